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

package treasury

import (
	"errors"
	"fmt"
	"os"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/common"
	provide "github.com/provideplatform/provide-go/api"
)

// ProviderLedger is the db-backed value ledger provider
const ProviderLedger = "ledger"

// ErrInsufficientFunds is returned when a debit exceeds the account balance
var ErrInsufficientFunds = errors.New("insufficient funds")

// Balance is the value ledger entry for a single account, denominated in
// native currency units
type Balance struct {
	provide.Model

	AccountID *uuid.UUID `sql:"not null;type:uuid" json:"account_id"`
	Amount    uint64     `sql:"not null;default:0" json:"amount"`
}

// TableName returns the db table name for gorm
func (b *Balance) TableName() string {
	return "balances"
}

// Provider provides a common interface for moving native currency value on
// behalf of the escrow ledger; every method participates in the caller's db
// transaction so a failed movement aborts the whole enclosing operation
type Provider interface {
	BalanceOf(tx *gorm.DB, account uuid.UUID) (uint64, error)
	Credit(tx *gorm.DB, account uuid.UUID, amount uint64) error
	Debit(tx *gorm.DB, account uuid.UUID, amount uint64) error
}

// ProviderFactory initializes the configured treasury provider
func ProviderFactory() Provider {
	provider := os.Getenv("TREASURY_PROVIDER")
	if provider == "" {
		provider = ProviderLedger
	}

	switch provider {
	case ProviderLedger:
		return &LedgerProvider{}
	default:
		common.Log.Warningf("failed to initialize treasury provider; unknown provider: %s", provider)
	}

	return nil
}

// LedgerProvider moves value between balance rows in the local db; movements
// are visible only when the enclosing transaction commits
type LedgerProvider struct{}

// BalanceOf returns the current balance of the given account
func (p *LedgerProvider) BalanceOf(tx *gorm.DB, account uuid.UUID) (uint64, error) {
	rows, err := tx.Raw("SELECT amount FROM balances WHERE account_id = ?", account).Rows()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve balance for account: %s; %s", account, err.Error())
	}
	defer rows.Close()

	var amount uint64
	for rows.Next() {
		err = rows.Scan(&amount)
		if err != nil {
			return 0, fmt.Errorf("failed to scan balance for account: %s; %s", account, err.Error())
		}
		break
	}

	return amount, nil
}

// Credit adds the given amount to the account balance, initializing the
// balance row if none exists
func (p *LedgerProvider) Credit(tx *gorm.DB, account uuid.UUID, amount uint64) error {
	result := tx.Exec("UPDATE balances SET amount = amount + ? WHERE account_id = ?", amount, account)
	if len(result.GetErrors()) > 0 {
		return fmt.Errorf("failed to credit account: %s; %s", account, result.GetErrors()[0].Error())
	}
	if result.RowsAffected == 0 {
		balanceID, _ := uuid.NewV4()
		result = tx.Exec("INSERT INTO balances (id, created_at, account_id, amount) VALUES (?, now(), ?, ?)", balanceID, account, amount)
		if result.RowsAffected == 0 {
			return fmt.Errorf("failed to initialize balance for account: %s", account)
		}
	}

	common.Log.Debugf("credited %d units to account: %s", amount, account)
	return nil
}

// Debit removes the given amount from the account balance; fails without
// side effects if the balance does not cover the amount
func (p *LedgerProvider) Debit(tx *gorm.DB, account uuid.UUID, amount uint64) error {
	result := tx.Exec("UPDATE balances SET amount = amount - ? WHERE account_id = ? AND amount >= ?", amount, account, amount)
	if len(result.GetErrors()) > 0 {
		return fmt.Errorf("failed to debit account: %s; %s", account, result.GetErrors()[0].Error())
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientFunds
	}

	common.Log.Debugf("debited %d units from account: %s", amount, account)
	return nil
}
