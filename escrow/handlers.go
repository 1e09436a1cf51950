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

package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
)

// InstallAPI registers the escrow ledger API handlers with gin; the
// owner-gated transitions (accept, refund) are installed by the token package
// since they require ownership resolution
func InstallAPI(r *gin.Engine) {
	r.POST("/api/v1/tokens/:id/offers", initializeOfferHandler)
	r.DELETE("/api/v1/tokens/:id/offers", revertOfferHandler)
	r.GET("/api/v1/tokens/:id/offers/:account", offerAmountHandler)
	r.GET("/api/v1/tokens/:id/counterparty", acceptedCounterpartyHandler)
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

// TokenLockKey returns the distributed lock key serializing all mutating
// operations for the given token
func TokenLockKey(tokenID uint64) string {
	return fmt.Sprintf("custody.token.%d", tokenID)
}

// offerAmountParam parses the escrow amount from a body decoded with
// json.Number; amounts are ledger units and must survive the trip through
// JSON without the float64 precision ceiling
func offerAmountParam(params map[string]interface{}) (uint64, error) {
	rawAmount, amountOk := params["amount"].(json.Number)
	if !amountOk {
		return 0, errors.New("positive amount required to initialize offer")
	}

	amount, err := strconv.ParseUint(rawAmount.String(), 10, 64)
	if err != nil || amount == 0 {
		return 0, errors.New("positive amount required to initialize offer")
	}
	return amount, nil
}

// create or increase an escrowed offer; the attached amount is debited from
// the caller and held by the escrow vault
func initializeOfferHandler(c *gin.Context) {
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
	decoder := json.NewDecoder(bytes.NewReader(buf))
	decoder.UseNumber()
	err = decoder.Decode(&params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	amount, err := offerAmountParam(params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	var offer *Offer
	err = redisutil.WithRedlock(TokenLockKey(tokenID), func() error {
		var err error
		offer, err = Initialize(tokenID, *accountID, amount)
		return err
	})
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	provide.Render(offer, 201, c)
}

// withdraw the caller's open offer and return the escrowed value
func revertOfferHandler(c *gin.Context) {
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

	var offer *Offer
	err = redisutil.WithRedlock(TokenLockKey(tokenID), func() error {
		var err error
		offer, err = Revert(tokenID, *accountID)
		return err
	})
	if err != nil {
		switch err {
		case ErrOfferNotFound:
			provide.RenderError(err.Error(), 404, c)
		default:
			provide.RenderError(err.Error(), 422, c)
		}
		return
	}

	provide.Render(offer, 200, c)
}

// fetch the escrowed amount held for the given counterparty and token
func offerAmountHandler(c *gin.Context) {
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

	counterparty, err := uuid.FromString(c.Param("account"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	db := dbconf.DatabaseConnection()
	provide.Render(map[string]interface{}{
		"token_id":     tokenID,
		"counterparty": counterparty.String(),
		"amount":       OfferAmountOf(db, tokenID, counterparty),
	}, 200, c)
}

// fetch the currently accepted counterparty for the given token, if any
func acceptedCounterpartyHandler(c *gin.Context) {
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
	counterparty := AcceptedCounterpartyOf(db, tokenID)
	if counterparty == nil {
		provide.RenderError("no accepted counterparty for token", 404, c)
		return
	}

	provide.Render(map[string]interface{}{
		"token_id":     tokenID,
		"counterparty": counterparty.String(),
	}, 200, c)
}
