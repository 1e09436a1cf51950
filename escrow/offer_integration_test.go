// +build integration

package escrow

import (
	"testing"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/treasury"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTokenSeq uint64 = 1000000

func nextTestTokenID() uint64 {
	testTokenSeq++
	return testTokenSeq
}

func testAccount(t *testing.T, funded uint64) uuid.UUID {
	account, err := uuid.NewV4()
	require.NoError(t, err)

	if funded > 0 {
		db := dbconf.DatabaseConnection()
		require.NoError(t, treasuryProvider.Credit(db, account, funded))
	}

	return account
}

func balanceOf(t *testing.T, account uuid.UUID) uint64 {
	amount, err := treasuryProvider.BalanceOf(dbconf.DatabaseConnection(), account)
	require.NoError(t, err)
	return amount
}

func TestInitializeOfferEscrowsFunds(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 25000)
	vaultBefore := balanceOf(t, VaultAccountID)

	offer, err := Initialize(tokenID, counterparty, 21000)
	require.NoError(t, err)
	require.NotNil(t, offer)

	assert.Equal(t, uint64(21000), offer.Amount)
	assert.Equal(t, uint64(4000), balanceOf(t, counterparty))
	assert.Equal(t, vaultBefore+21000, balanceOf(t, VaultAccountID))

	db := dbconf.DatabaseConnection()
	assert.Equal(t, uint64(21000), OfferAmountOf(db, tokenID, counterparty))
	assert.Nil(t, AcceptedCounterpartyOf(db, tokenID))
}

func TestInitializeOfferIncrementsExistingOffer(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 30000)

	_, err := Initialize(tokenID, counterparty, 10000)
	require.NoError(t, err)
	_, err = Initialize(tokenID, counterparty, 5000)
	require.NoError(t, err)

	db := dbconf.DatabaseConnection()
	assert.Equal(t, uint64(15000), OfferAmountOf(db, tokenID, counterparty))
	assert.Equal(t, uint64(15000), balanceOf(t, counterparty))
}

func TestInitializeOfferRequiresSufficientFunds(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 100)

	_, err := Initialize(tokenID, counterparty, 21000)
	require.Error(t, err)
	assert.Equal(t, treasury.ErrInsufficientFunds, err)

	// aborted operation leaves no escrow entry behind
	db := dbconf.DatabaseConnection()
	assert.Equal(t, uint64(0), OfferAmountOf(db, tokenID, counterparty))
	assert.Equal(t, uint64(100), balanceOf(t, counterparty))
}

func TestInitializeOfferFailsOnceAccepted(t *testing.T) {
	tokenID := nextTestTokenID()
	accepted := testAccount(t, 10000)
	latecomer := testAccount(t, 10000)

	_, err := Initialize(tokenID, accepted, 5000)
	require.NoError(t, err)
	_, err = Accept(tokenID, accepted)
	require.NoError(t, err)

	_, err = Initialize(tokenID, latecomer, 5000)
	assert.Equal(t, ErrConflictingOffer, err)
	assert.Equal(t, uint64(10000), balanceOf(t, latecomer))
}

func TestRevertOfferReturnsFunds(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 21000)

	_, err := Initialize(tokenID, counterparty, 21000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balanceOf(t, counterparty))

	offer, err := Revert(tokenID, counterparty)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offer.Amount)
	assert.Equal(t, uint64(21000), balanceOf(t, counterparty))

	// re-offering after a revert is allowed
	_, err = Initialize(tokenID, counterparty, 1000)
	assert.NoError(t, err)
}

func TestRevertOfferRequiresOpenOffer(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 0)

	_, err := Revert(tokenID, counterparty)
	assert.Equal(t, ErrOfferNotFound, err)
}

func TestRevertOfferForeclosedByAcceptance(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 5000)

	_, err := Initialize(tokenID, counterparty, 5000)
	require.NoError(t, err)
	_, err = Accept(tokenID, counterparty)
	require.NoError(t, err)

	_, err = Revert(tokenID, counterparty)
	assert.Equal(t, ErrStalePermission, err)
	assert.Equal(t, uint64(0), balanceOf(t, counterparty))
}

func TestAcceptRequiresOpenOffer(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 0)

	_, err := Accept(tokenID, counterparty)
	assert.Equal(t, ErrOfferNotFound, err)
}

func TestAcceptIsMutuallyExclusive(t *testing.T) {
	tokenID := nextTestTokenID()
	first := testAccount(t, 5000)
	second := testAccount(t, 5000)

	_, err := Initialize(tokenID, first, 5000)
	require.NoError(t, err)
	_, err = Initialize(tokenID, second, 5000)
	require.NoError(t, err)

	_, err = Accept(tokenID, first)
	require.NoError(t, err)

	_, err = Accept(tokenID, second)
	assert.Equal(t, ErrConflictingOffer, err)

	db := dbconf.DatabaseConnection()
	counterparty := AcceptedCounterpartyOf(db, tokenID)
	require.NotNil(t, counterparty)
	assert.Equal(t, first, *counterparty)
}

func TestRefundRequiresAcceptance(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 5000)

	_, err := Initialize(tokenID, counterparty, 5000)
	require.NoError(t, err)

	_, err = Refund(tokenID, counterparty)
	assert.Equal(t, ErrStalePermission, err)
}

func TestRefundClearsAcceptanceAndReturnsFunds(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 8000)

	_, err := Initialize(tokenID, counterparty, 8000)
	require.NoError(t, err)
	_, err = Accept(tokenID, counterparty)
	require.NoError(t, err)

	offer, err := Refund(tokenID, counterparty)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offer.Amount)
	assert.Equal(t, uint64(8000), balanceOf(t, counterparty))

	db := dbconf.DatabaseConnection()
	assert.Nil(t, AcceptedCounterpartyOf(db, tokenID))

	// the consumed offer instance is terminal; refunding again fails
	_, err = Refund(tokenID, counterparty)
	assert.Equal(t, ErrStalePermission, err)
}

func TestSettleRequiresMatchingAcceptedCounterparty(t *testing.T) {
	tokenID := nextTestTokenID()
	counterparty := testAccount(t, 5000)
	beneficiary := testAccount(t, 0)
	stranger := testAccount(t, 0)

	_, err := Initialize(tokenID, counterparty, 5000)
	require.NoError(t, err)
	_, err = Accept(tokenID, counterparty)
	require.NoError(t, err)

	db := dbconf.DatabaseConnection()
	tx := db.Begin()
	offer, err := Settle(tx, tokenID, stranger, beneficiary)
	require.NoError(t, err)
	assert.Nil(t, offer) // no matching accepted offer; no settlement
	tx.Rollback()
}
