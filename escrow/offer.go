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
	"errors"
	"fmt"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/common"
	"github.com/provideplatform/custody/treasury"
	provide "github.com/provideplatform/provide-go/api"
)

const offerStatusOffered = "offered"
const offerStatusAccepted = "accepted"
const offerStatusReverted = "reverted"
const offerStatusRefunded = "refunded"
const offerStatusSettled = "settled"

var (
	// ErrConflictingOffer is returned when an offer is created or accepted
	// while an accepted counterparty already exists for the token
	ErrConflictingOffer = errors.New("an accepted offer already exists for token")

	// ErrStalePermission is returned when a revert is attempted after
	// acceptance or a refund is attempted without prior acceptance
	ErrStalePermission = errors.New("offer state does not permit the requested transition")

	// ErrOfferNotFound is returned when no open offer exists for the given
	// counterparty and token
	ErrOfferNotFound = errors.New("offer not found")

	// ErrSettlementFailed is returned when an outbound value movement did not
	// complete; the enclosing operation is aborted with no partial effect
	ErrSettlementFailed = errors.New("settlement failed")
)

// VaultAccountID is the ledger account that holds escrowed value on behalf of
// prospective transferees until settlement, revert or refund releases it
var VaultAccountID = uuid.NewV5(uuid.NamespaceOID, "custody.escrow.vault")

var treasuryProvider treasury.Provider

func init() {
	treasuryProvider = treasury.ProviderFactory()
	if treasuryProvider == nil {
		common.Log.Panicf("failed to initialize escrow package; no treasury provider resolved")
	}
}

// Offer is the escrow ledger entry for a single prospective transferee and
// token; at most one offer per token may be in the accepted state, and the
// accepted row is the token's accepted counterparty. Escrowed value is held
// by the vault account and consumed exactly once via revert, refund or
// settlement inside a transfer.
type Offer struct {
	provide.Model

	TokenID      uint64     `sql:"not null" json:"token_id"`
	Counterparty *uuid.UUID `sql:"not null;type:uuid" json:"counterparty"`
	Amount       uint64     `sql:"not null;default:0" json:"amount"`
	Status       *string    `sql:"not null;default:'offered'" json:"status"`
}

func resolveOffer(tx *gorm.DB, tokenID uint64, counterparty uuid.UUID, statuses ...string) *Offer {
	offer := &Offer{}
	tx.Where("token_id = ? AND counterparty = ? AND status IN (?)", tokenID, counterparty, statuses).Find(&offer)
	if offer.ID == uuid.Nil {
		return nil
	}
	return offer
}

func acceptedOffer(tx *gorm.DB, tokenID uint64) *Offer {
	offer := &Offer{}
	tx.Where("token_id = ? AND status = ?", tokenID, offerStatusAccepted).Find(&offer)
	if offer.ID == uuid.Nil {
		return nil
	}
	return offer
}

// AcceptedCounterpartyOf returns the currently accepted counterparty for the
// given token, or nil if no offer has been accepted
func AcceptedCounterpartyOf(db *gorm.DB, tokenID uint64) *uuid.UUID {
	offer := acceptedOffer(db, tokenID)
	if offer == nil {
		return nil
	}
	return offer.Counterparty
}

// OfferAmountOf returns the escrowed amount currently held for the given
// counterparty and token
func OfferAmountOf(db *gorm.DB, tokenID uint64, counterparty uuid.UUID) uint64 {
	offer := resolveOffer(db, tokenID, counterparty, offerStatusOffered, offerStatusAccepted)
	if offer == nil {
		return 0
	}
	return offer.Amount
}

// Initialize escrows the given amount on behalf of the prospective
// transferee, creating or increasing the open offer for the counterparty and
// token; fails while an accepted counterparty exists for the token
func Initialize(tokenID uint64, counterparty uuid.UUID, amount uint64) (*Offer, error) {
	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	if acceptedOffer(tx, tokenID) != nil {
		return nil, ErrConflictingOffer
	}

	offer := resolveOffer(tx, tokenID, counterparty, offerStatusOffered)
	if offer == nil {
		offer = &Offer{
			TokenID:      tokenID,
			Counterparty: &counterparty,
			Amount:       amount,
			Status:       common.StringOrNil(offerStatusOffered),
		}
		result := tx.Create(&offer)
		if len(result.GetErrors()) > 0 {
			err := result.GetErrors()[0]
			common.Log.Warningf("failed to initialize offer for token %d; %s", tokenID, err.Error())
			return nil, err
		}
	} else {
		offer.Amount += amount
		result := tx.Save(&offer)
		if len(result.GetErrors()) > 0 {
			err := result.GetErrors()[0]
			common.Log.Warningf("failed to increase offer for token %d; %s", tokenID, err.Error())
			return nil, err
		}
	}

	err := treasuryProvider.Debit(tx, counterparty, amount)
	if err == nil {
		err = treasuryProvider.Credit(tx, VaultAccountID, amount)
	}
	if err != nil {
		common.Log.Warningf("failed to escrow %d units for token %d; %s", amount, tokenID, err.Error())
		return nil, err
	}

	result := tx.Commit()
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}

	common.Log.Debugf("escrowed %d units on behalf of counterparty %s for token: %d", amount, counterparty, tokenID)
	offer.dispatchNotification(natsOfferInitialized)
	return offer, nil
}

// Revert withdraws the caller's open offer and returns the escrowed value;
// only the offering account may revert, and not once an accepted
// counterparty exists for the token
func Revert(tokenID uint64, caller uuid.UUID) (*Offer, error) {
	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	if acceptedOffer(tx, tokenID) != nil {
		return nil, ErrStalePermission
	}

	offer := resolveOffer(tx, tokenID, caller, offerStatusOffered)
	if offer == nil {
		return nil, ErrOfferNotFound
	}

	amount := offer.Amount
	offer.Status = common.StringOrNil(offerStatusReverted)
	record := offer.recordPayload() // snapshot carries the released amount
	offer.Amount = 0
	result := tx.Save(&offer)
	if len(result.GetErrors()) > 0 {
		err := result.GetErrors()[0]
		common.Log.Warningf("failed to revert offer for token %d; %s", tokenID, err.Error())
		return nil, err
	}

	err := treasuryProvider.Debit(tx, VaultAccountID, amount)
	if err == nil {
		err = treasuryProvider.Credit(tx, caller, amount)
	}
	if err != nil {
		common.Log.Warningf("failed to return %d escrowed units to counterparty %s for token %d; %s", amount, caller, tokenID, err.Error())
		return nil, ErrSettlementFailed
	}

	result = tx.Commit()
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}

	dispatchOfferRecord(natsOfferReverted, record)
	return offer, nil
}

// Accept marks the open offer from the given counterparty as the single
// accepted offer for the token; no value moves, the transition only locks in
// settlement eligibility and forecloses Revert. The caller is responsible for
// enforcing that only the current token owner accepts.
func Accept(tokenID uint64, counterparty uuid.UUID) (*Offer, error) {
	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	if acceptedOffer(tx, tokenID) != nil {
		return nil, ErrConflictingOffer
	}

	offer := resolveOffer(tx, tokenID, counterparty, offerStatusOffered)
	if offer == nil {
		return nil, ErrOfferNotFound
	}

	offer.Status = common.StringOrNil(offerStatusAccepted)
	result := tx.Save(&offer)
	if len(result.GetErrors()) > 0 {
		err := result.GetErrors()[0]
		common.Log.Warningf("failed to accept offer for token %d; %s", tokenID, err.Error())
		return nil, err
	}

	result = tx.Commit()
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}

	common.Log.Debugf("accepted counterparty %s for token: %d", counterparty, tokenID)
	offer.dispatchNotification(natsOfferAccepted)
	return offer, nil
}

// Refund clears the accepted counterparty and returns the escrowed value to
// it; fails unless an offer from the given counterparty has been accepted.
// This is the owner's way to back out after accepting but before the
// physical transfer completes. The caller is responsible for enforcing that
// only the current token owner refunds.
func Refund(tokenID uint64, counterparty uuid.UUID) (*Offer, error) {
	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	offer := acceptedOffer(tx, tokenID)
	if offer == nil || offer.Counterparty == nil || *offer.Counterparty != counterparty {
		return nil, ErrStalePermission
	}

	amount := offer.Amount
	offer.Status = common.StringOrNil(offerStatusRefunded)
	record := offer.recordPayload()
	offer.Amount = 0
	result := tx.Save(&offer)
	if len(result.GetErrors()) > 0 {
		err := result.GetErrors()[0]
		common.Log.Warningf("failed to refund offer for token %d; %s", tokenID, err.Error())
		return nil, err
	}

	err := treasuryProvider.Debit(tx, VaultAccountID, amount)
	if err == nil {
		err = treasuryProvider.Credit(tx, counterparty, amount)
	}
	if err != nil {
		common.Log.Warningf("failed to refund %d escrowed units to counterparty %s for token %d; %s", amount, counterparty, tokenID, err.Error())
		return nil, ErrSettlementFailed
	}

	result = tx.Commit()
	if len(result.GetErrors()) > 0 {
		return nil, result.GetErrors()[0]
	}

	dispatchOfferRecord(natsOfferRefunded, record)
	return offer, nil
}

// Settle pays the escrowed amount for the accepted counterparty to the
// beneficiary within the caller's transaction; returns the settled offer, or
// nil when no accepted offer from the given counterparty exists, in which
// case the enclosing transfer proceeds without settlement. Notification
// dispatch is left to the caller since the enclosing transaction may still
// roll back.
func Settle(tx *gorm.DB, tokenID uint64, counterparty uuid.UUID, beneficiary uuid.UUID) (*Offer, error) {
	offer := acceptedOffer(tx, tokenID)
	if offer == nil || offer.Counterparty == nil || *offer.Counterparty != counterparty {
		return nil, nil
	}

	amount := offer.Amount
	offer.Amount = 0
	offer.Status = common.StringOrNil(offerStatusSettled)
	result := tx.Save(&offer)
	if len(result.GetErrors()) > 0 {
		err := result.GetErrors()[0]
		common.Log.Warningf("failed to settle offer for token %d; %s", tokenID, err.Error())
		return nil, err
	}

	err := treasuryProvider.Debit(tx, VaultAccountID, amount)
	if err == nil {
		err = treasuryProvider.Credit(tx, beneficiary, amount)
	}
	if err != nil {
		common.Log.Warningf("failed to settle %d escrowed units to beneficiary %s for token %d; %s", amount, beneficiary, tokenID, err.Error())
		return nil, ErrSettlementFailed
	}

	common.Log.Debugf("settled %d escrowed units to beneficiary %s for token: %d", amount, beneficiary, tokenID)
	offer.Amount = amount
	return offer, nil
}

func (o *Offer) recordPayload() map[string]interface{} {
	var counterparty *string
	if o.Counterparty != nil {
		counterparty = common.StringOrNil(o.Counterparty.String())
	}
	return map[string]interface{}{
		"token_id":     o.TokenID,
		"counterparty": counterparty,
		"amount":       o.Amount,
		"status":       o.Status,
	}
}

func (o *Offer) String() string {
	status := "(unspecified)"
	if o.Status != nil {
		status = *o.Status
	}
	return fmt.Sprintf("offer %s: token %d, %d units, %s", o.ID, o.TokenID, o.Amount, status)
}
