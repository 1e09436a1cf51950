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
	"fmt"
	"strconv"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/common"
	"github.com/provideplatform/custody/escrow"
	"github.com/provideplatform/custody/merkle"
	provide "github.com/provideplatform/provide-go/api"
)

const tokenStatusInit = "init"
const tokenStatusPendingCommitment = "pending_commitment"
const tokenStatusCommitted = "committed"
const tokenStatusFailed = "failed"

var (
	// ErrTokenNotFound is returned when no token exists for the given id
	ErrTokenNotFound = errors.New("token not found")

	// ErrNotCommitted is returned when a transfer or authorization check is
	// attempted before the token's code commitment has been installed
	ErrNotCommitted = errors.New("token commitment not yet installed")

	// ErrUnauthorizedCaller is returned when the from account is not the
	// current recorded owner of the token
	ErrUnauthorizedCaller = errors.New("sender is not the token owner")

	// ErrReplayedCode is returned when the numeric value of a code is not
	// strictly greater than the last processed value, or when its leaf hash
	// has already been consumed
	ErrReplayedCode = errors.New("code value not strictly greater than last processed")

	// ErrInvalidProof is returned when the authentication path does not
	// reconstruct the committed root
	ErrInvalidProof = errors.New("proof does not reconstruct committed root")
)

// Token links ownership of a uniquely identified record to possession of a
// physical device that emits sequentially increasing, offline-generated
// authorization codes. The committed merkle root is immutable for the
// token's lifetime once installed; the last processed code value only ever
// increases, and only by way of a successful transfer.
type Token struct {
	provide.Model

	// TokenID is the monotonically assigned public identifier
	TokenID uint64 `sql:"not null" json:"token_id"`

	Owner *uuid.UUID `sql:"not null;type:uuid" json:"owner"`
	Root  *string    `json:"root"`

	LastProcessed uint64 `sql:"not null;default:0" json:"last_processed"`

	Hash        *string `sql:"not null;default:'sha256'" json:"hash"`
	Status      *string `sql:"not null;default:'init'" json:"status"`
	Description *string `json:"description"`

	// ephemeral code batch provided at mint time; the commitment consumer
	// derives the root from these, they are never persisted
	codes []string
}

// numericValue parses a code as a base-10 unsigned integer; a non-digit
// character anywhere in the code invalidates the whole code, yielding the 0
// sentinel, which can never authorize since last-processed values start at 0
func numericValue(code string) uint64 {
	value, err := strconv.ParseUint(code, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func resolveToken(db *gorm.DB, tokenID uint64) *Token {
	t := &Token{}
	db.Where("token_id = ?", tokenID).Find(&t)
	if t.ID == uuid.Nil {
		return nil
	}
	return t
}

// OwnerOf returns the current owner of the given token
func OwnerOf(db *gorm.DB, tokenID uint64) (*uuid.UUID, error) {
	t := resolveToken(db, tokenID)
	if t == nil {
		return nil, ErrTokenNotFound
	}
	return t.Owner, nil
}

func (t *Token) validate() bool {
	t.Errors = make([]*provide.Error, 0)

	if t.Owner == nil {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil("token owner required"),
		})
	}

	if t.Root == nil && len(t.codes) == 0 {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil("committed root or code batch required"),
		})
	}

	if t.Hash != nil && merkle.HashFactory(t.Hash) == nil {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil(fmt.Sprintf("unsupported commitment hash: %s", *t.Hash)),
		})
	}

	return len(t.Errors) == 0
}

// Create mints the token; the owner is always the minting caller. When an
// explicit root is supplied the token is committed synchronously; when a
// code batch is supplied instead, commitment derivation is dispatched to the
// async consumer and the token remains non-transferable until it completes.
// A genesis ownership record from the zero account is emitted either way.
func (t *Token) Create() bool {
	if !t.validate() {
		return false
	}

	if t.Hash == nil {
		t.Hash = common.StringOrNil(common.DefaultCommitmentHash)
	}

	if t.Root != nil {
		t.Status = common.StringOrNil(tokenStatusCommitted)
	} else {
		t.Status = common.StringOrNil(tokenStatusPendingCommitment)
	}

	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	rows, err := tx.Raw("SELECT COALESCE(MAX(token_id), 0) + 1 FROM tokens").Rows()
	if err != nil {
		t.Errors = append(t.Errors, &provide.Error{
			Message: common.StringOrNil(err.Error()),
		})
		return false
	}
	for rows.Next() {
		if err := rows.Scan(&t.TokenID); err != nil {
			rows.Close()
			t.Errors = append(t.Errors, &provide.Error{
				Message: common.StringOrNil(err.Error()),
			})
			return false
		}
	}
	rows.Close()

	if tx.NewRecord(t) {
		result := tx.Create(&t)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				t.Errors = append(t.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !tx.NewRecord(t) {
			success := rowsAffected > 0
			if success {
				result := tx.Commit()
				if len(result.GetErrors()) > 0 {
					return false
				}

				common.Log.Debugf("minted token %d for owner: %s", t.TokenID, t.Owner)
				mintedFrom := uuid.Nil
				t.dispatchOwnershipRecord(natsTokenMinted, &mintedFrom, t.Owner)

				if *t.Status == tokenStatusPendingCommitment {
					payload, _ := json.Marshal(map[string]interface{}{
						"token_id": t.TokenID,
						"codes":    t.codes,
					})
					natsutil.NatsJetstreamPublish(natsTokenCommitmentPendingSubject, payload)
				}
			}

			return success
		}
	}

	return false
}

// updateStatus updates the token status and optional description
func (t *Token) updateStatus(db *gorm.DB, status string, description *string) error {
	t.Status = common.StringOrNil(status)
	t.Description = description
	if !db.NewRecord(&t) {
		result := db.Save(&t)
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				t.Errors = append(t.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
			return errors[0]
		}
	}
	return nil
}

// installCommitment installs the derived root on the token; the root is
// immutable thereafter
func (t *Token) installCommitment(db *gorm.DB, root string) error {
	if t.Root != nil {
		return fmt.Errorf("committed root already installed for token: %d", t.TokenID)
	}

	t.Root = common.StringOrNil(root)
	return t.updateStatus(db, tokenStatusCommitted, nil)
}

func (t *Token) nullifiers(db *gorm.DB) (*NullifierStore, error) {
	return InitNullifierStore(db, t.ID, merkle.HashFactory(t.Hash))
}

// authorize returns nil iff the numeric value of the code is strictly greater
// than the last processed value, the leaf has not already been consumed and
// the authentication path reconstructs the committed root. The cheap numeric
// check runs before the hash and path work.
func (t *Token) authorize(db *gorm.DB, code string, path []string) error {
	if t.Status == nil || *t.Status != tokenStatusCommitted || t.Root == nil {
		return ErrNotCommitted
	}

	if numericValue(code) <= t.LastProcessed {
		return ErrReplayedCode
	}

	h := merkle.HashFactory(t.Hash)
	if h == nil {
		return ErrInvalidProof
	}

	leaf := merkle.HashLeaf(h, []byte(code))
	if !merkle.Verify(h, *t.Root, leaf, path) {
		return ErrInvalidProof
	}

	nullifiers, err := t.nullifiers(db)
	if err != nil {
		return err
	}
	if nullifiers.Contains(leaf) {
		return ErrReplayedCode
	}

	return nil
}

// IsAuthorized returns true iff the given code and authentication path would
// currently authorize a transfer of the token; read-only
func (t *Token) IsAuthorized(db *gorm.DB, code string, path []string) bool {
	return t.authorize(db, code, path) == nil
}

// advance is the single mutating entry point for the last processed value;
// it re-validates the code and path, records the consumed leaf hash in the
// nullifier store and bumps the monotone counter
func (t *Token) advance(tx *gorm.DB, code string, path []string) error {
	err := t.authorize(tx, code, path)
	if err != nil {
		return err
	}

	t.LastProcessed = numericValue(code)
	result := tx.Save(&t)
	if len(result.GetErrors()) > 0 {
		return result.GetErrors()[0]
	}

	nullifiers, err := t.nullifiers(tx)
	if err != nil {
		return err
	}

	h := merkle.HashFactory(t.Hash)
	_, err = nullifiers.Insert(merkle.HashLeaf(h, []byte(code)))
	return err
}

// Transfer moves ownership of the token from the current owner to the given
// transferee, advancing the code authority and settling any accepted escrow
// entry for the transferee, all as one indivisible operation; a failed
// settlement rolls back the ownership change and the code advance. A code is
// never consumed without the transfer it authorizes taking effect, and vice
// versa.
func Transfer(from, to uuid.UUID, tokenID uint64, code string, path []string) (*Token, *escrow.Offer, error) {
	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	t := resolveToken(tx, tokenID)
	if t == nil {
		return nil, nil, ErrTokenNotFound
	}

	if t.Owner == nil || *t.Owner != from {
		return nil, nil, ErrUnauthorizedCaller
	}

	err := t.advance(tx, code, path)
	if err != nil {
		common.Log.Warningf("failed to advance code authority for token %d; %s", tokenID, err.Error())
		return nil, nil, err
	}

	t.Owner = &to
	result := tx.Save(&t)
	if len(result.GetErrors()) > 0 {
		return nil, nil, result.GetErrors()[0]
	}

	// settlement only fires when the accepted counterparty is the transferee;
	// the seller is paid at the moment the physical handoff is proven
	settled, err := escrow.Settle(tx, tokenID, to, from)
	if err != nil {
		return nil, nil, err
	}

	result = tx.Commit()
	if len(result.GetErrors()) > 0 {
		return nil, nil, result.GetErrors()[0]
	}

	common.Log.Debugf("transferred token %d from %s to: %s", tokenID, from, to)
	t.dispatchOwnershipRecord(natsTokenTransferred, &from, &to)
	if settled != nil {
		escrow.DispatchSettlementNotification(settled)
	}

	return t, settled, nil
}

// AcceptOffer marks the given counterparty as the single accepted transferee
// for the token; only the current owner may accept
func AcceptOffer(caller uuid.UUID, tokenID uint64, counterparty uuid.UUID) (*escrow.Offer, error) {
	db := dbconf.DatabaseConnection()

	t := resolveToken(db, tokenID)
	if t == nil {
		return nil, ErrTokenNotFound
	}
	if t.Owner == nil || *t.Owner != caller {
		return nil, ErrUnauthorizedCaller
	}

	return escrow.Accept(tokenID, counterparty)
}

// RefundOffer clears the accepted counterparty and returns the escrowed
// value to it; only the current owner may refund
func RefundOffer(caller uuid.UUID, tokenID uint64, counterparty uuid.UUID) (*escrow.Offer, error) {
	db := dbconf.DatabaseConnection()

	t := resolveToken(db, tokenID)
	if t == nil {
		return nil, ErrTokenNotFound
	}
	if t.Owner == nil || *t.Owner != caller {
		return nil, ErrUnauthorizedCaller
	}

	return escrow.Refund(tokenID, counterparty)
}
