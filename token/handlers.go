/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package token

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/escrow"
	"github.com/provideplatform/custody/merkle"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

const mintLockKey = "custody.token.mint"

// InstallAPI registers the token registry API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/tokens", listTokensHandler)
	r.POST("/api/v1/tokens", mintTokenHandler)
	r.GET("/api/v1/tokens/:id", tokenDetailsHandler)

	r.POST("/api/v1/tokens/:id/transfer", transferTokenHandler)
	r.POST("/api/v1/tokens/:id/authorize", authorizeTokenHandler)

	r.POST("/api/v1/tokens/:id/offers/accept", acceptOfferHandler)
	r.POST("/api/v1/tokens/:id/offers/refund", refundOfferHandler)
}

func authorizedAccountID(c *gin.Context) *uuid.UUID {
	appID := util.AuthorizedSubjectID(c, "application")
	if appID != nil {
		return appID
	}
	orgID := util.AuthorizedSubjectID(c, "organization")
	if orgID != nil {
		return orgID
	}
	return util.AuthorizedSubjectID(c, "user")
}

func tokenIDParam(c *gin.Context) (uint64, error) {
	return strconv.ParseUint(c.Param("id"), 10, 64)
}

// proofParam binds the authorization proof carried in the request body; the
// path may legitimately be empty for a single-leaf commitment but must be
// present
func proofParam(buf []byte) (*merkle.Proof, error) {
	proof := &merkle.Proof{}
	err := json.Unmarshal(buf, proof)
	if err != nil {
		return nil, err
	}
	if proof.Code == "" {
		return nil, errors.New("authorization code required")
	}
	if proof.Path == nil {
		return nil, errors.New("authentication path required")
	}
	return proof, nil
}

// list/query tokens in the registry
func listTokensHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	db := dbconf.DatabaseConnection()
	query := db.Select("tokens.*").Order("tokens.token_id")

	var tokens []*Token
	provide.Paginate(c, query, &Token{}).Find(&tokens)
	provide.Render(tokens, 200, c)
}

// mint a token; the caller becomes the initial owner. Accepts either an
// explicit committed root or a code batch from which the root is derived
// asynchronously.
func mintTokenHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	var params map[string]interface{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	t := &Token{}
	err = json.Unmarshal(buf, t)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}
	t.Owner = accountID

	if rawCodes, codesOk := params["codes"].([]interface{}); codesOk {
		t.codes = make([]string, 0, len(rawCodes))
		for _, raw := range rawCodes {
			code, codeOk := raw.(string)
			if !codeOk {
				provide.RenderError("code batch must contain only strings", 422, c)
				return
			}
			t.codes = append(t.codes, code)
		}
	}

	var success bool
	redisutil.WithRedlock(mintLockKey, func() error {
		success = t.Create()
		return nil
	})

	if success {
		provide.Render(t, 201, c)
	} else {
		obj := map[string]interface{}{}
		obj["errors"] = t.Errors
		provide.Render(obj, 422, c)
	}
}

// fetch token details; owner, committed root, last processed code value
func tokenDetailsHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	tokenID, err := tokenIDParam(c)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	db := dbconf.DatabaseConnection()
	t := resolveToken(db, tokenID)
	if t == nil {
		provide.RenderError("token not found", 404, c)
		return
	}

	provide.Render(t, 200, c)
}

// transfer token ownership; requires the next authorization code and its
// authentication path, settles any accepted escrow entry for the transferee
func transferTokenHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	tokenID, err := tokenIDParam(c)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	var params map[string]interface{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	rawFrom, fromOk := params["from"].(string)
	rawTo, toOk := params["to"].(string)
	if !fromOk || !toOk {
		provide.RenderError("from and to accounts required for transfer", 422, c)
		return
	}

	from, err := uuid.FromString(rawFrom)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}
	to, err := uuid.FromString(rawTo)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	proof, err := proofParam(buf)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	var t *Token
	err = redisutil.WithRedlock(escrow.TokenLockKey(tokenID), func() error {
		var err error
		t, _, err = Transfer(from, to, tokenID, proof.Code, proof.Path)
		return err
	})
	if err != nil {
		switch err {
		case ErrTokenNotFound:
			provide.RenderError(err.Error(), 404, c)
		case ErrUnauthorizedCaller:
			provide.RenderError(err.Error(), 403, c)
		default:
			provide.RenderError(err.Error(), 422, c)
		}
		return
	}

	provide.Render(t, 200, c)
}

// read-only authorization check for a code and its authentication path
func authorizeTokenHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	tokenID, err := tokenIDParam(c)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	proof, err := proofParam(buf)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	db := dbconf.DatabaseConnection()
	t := resolveToken(db, tokenID)
	if t == nil {
		provide.RenderError("token not found", 404, c)
		return
	}

	provide.Render(map[string]interface{}{
		"token_id":   tokenID,
		"authorized": t.IsAuthorized(db, proof.Code, proof.Path),
	}, 200, c)
}

// accept an open offer; only the current token owner may accept
func acceptOfferHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	tokenID, err := tokenIDParam(c)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	counterparty, err := counterpartyParam(c)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	var offer *escrow.Offer
	err = redisutil.WithRedlock(escrow.TokenLockKey(tokenID), func() error {
		var err error
		offer, err = AcceptOffer(*accountID, tokenID, *counterparty)
		return err
	})
	if err != nil {
		switch err {
		case ErrTokenNotFound, escrow.ErrOfferNotFound:
			provide.RenderError(err.Error(), 404, c)
		case ErrUnauthorizedCaller:
			provide.RenderError(err.Error(), 403, c)
		default:
			provide.RenderError(err.Error(), 422, c)
		}
		return
	}

	provide.Render(offer, 200, c)
}

// refund an accepted offer; only the current token owner may refund
func refundOfferHandler(c *gin.Context) {
	accountID := authorizedAccountID(c)
	if accountID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	tokenID, err := tokenIDParam(c)
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	counterparty, err := counterpartyParam(c)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	var offer *escrow.Offer
	err = redisutil.WithRedlock(escrow.TokenLockKey(tokenID), func() error {
		var err error
		offer, err = RefundOffer(*accountID, tokenID, *counterparty)
		return err
	})
	if err != nil {
		switch err {
		case ErrTokenNotFound:
			provide.RenderError(err.Error(), 404, c)
		case ErrUnauthorizedCaller:
			provide.RenderError(err.Error(), 403, c)
		default:
			provide.RenderError(err.Error(), 422, c)
		}
		return
	}

	provide.Render(offer, 200, c)
}

func counterpartyParam(c *gin.Context) (*uuid.UUID, error) {
	buf, err := c.GetRawData()
	if err != nil {
		return nil, err
	}

	var params map[string]interface{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		return nil, err
	}

	raw, rawOk := params["counterparty"].(string)
	if !rawOk {
		return nil, errors.New("counterparty required")
	}

	counterparty, err := uuid.FromString(raw)
	if err != nil {
		return nil, err
	}
	return &counterparty, nil
}
