// +build integration

package token

import (
	"crypto/sha256"
	"testing"

	dbconf "github.com/kthomas/go-db-config"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provideplatform/custody/escrow"
	"github.com/provideplatform/custody/merkle"
	"github.com/provideplatform/custody/treasury"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(t *testing.T, funded uint64) uuid.UUID {
	account, err := uuid.NewV4()
	require.NoError(t, err)

	if funded > 0 {
		provider := treasury.ProviderFactory()
		require.NoError(t, provider.Credit(dbconf.DatabaseConnection(), account, funded))
	}

	return account
}

// mintCommitted mints a token with a root committing to the given codes and
// returns the persisted token alongside the tree for path generation
func mintCommitted(t *testing.T, owner uuid.UUID, codes []string) (*Token, *merkle.CommitmentTree) {
	tree := merkle.NewCommitmentTree(sha256.New())
	for _, code := range codes {
		tree.Add([]byte(code))
	}
	root, err := tree.Root()
	require.NoError(t, err)

	token := &Token{
		Owner: &owner,
		Root:  root,
	}
	require.True(t, token.Create(), "failed to mint token; %v", token.Errors)
	require.NotZero(t, token.TokenID)

	return token, tree
}

func pathFor(t *testing.T, tree *merkle.CommitmentTree, index int) []string {
	path, err := tree.PathAt(index)
	require.NoError(t, err)
	return path
}

func TestMintAssignsMonotonicTokenIDs(t *testing.T) {
	owner := testAccount(t, 0)

	first, _ := mintCommitted(t, owner, []string{"1"})
	second, _ := mintCommitted(t, owner, []string{"1"})

	assert.Greater(t, second.TokenID, first.TokenID)
	assert.Equal(t, tokenStatusCommitted, *first.Status)

	resolved, err := OwnerOf(dbconf.DatabaseConnection(), first.TokenID)
	require.NoError(t, err)
	assert.Equal(t, owner, *resolved)
}

func TestTransferSettlesAcceptedOffer(t *testing.T) {
	seller := testAccount(t, 0)
	buyer := testAccount(t, 21000)

	token, tree := mintCommitted(t, seller, []string{"1", "2", "3"})

	_, err := escrow.Initialize(token.TokenID, buyer, 21000)
	require.NoError(t, err)

	_, err = AcceptOffer(seller, token.TokenID, buyer)
	require.NoError(t, err)

	transferred, settled, err := Transfer(seller, buyer, token.TokenID, "1", pathFor(t, tree, 0))
	require.NoError(t, err)
	require.NotNil(t, settled)

	db := dbconf.DatabaseConnection()

	// ownership moved, seller was paid, acceptance cleared
	assert.Equal(t, buyer, *transferred.Owner)
	assert.Equal(t, uint64(21000), settled.Amount)
	assert.Nil(t, escrow.AcceptedCounterpartyOf(db, token.TokenID))

	provider := treasury.ProviderFactory()
	sellerBalance, err := provider.BalanceOf(db, seller)
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), sellerBalance)

	// the consumed code and anything numerically smaller is dead
	fresh := resolveToken(db, token.TokenID)
	assert.False(t, fresh.IsAuthorized(db, "1", pathFor(t, tree, 0)))
	assert.True(t, fresh.IsAuthorized(db, "2", pathFor(t, tree, 1)))
}

func TestTransferWithoutOfferIsUnpaid(t *testing.T) {
	owner := testAccount(t, 0)
	recipient := testAccount(t, 0)

	token, tree := mintCommitted(t, owner, []string{"1", "2"})

	transferred, settled, err := Transfer(owner, recipient, token.TokenID, "1", pathFor(t, tree, 0))
	require.NoError(t, err)

	// direct, unpaid transfer path stays available for gifting
	assert.Nil(t, settled)
	assert.Equal(t, recipient, *transferred.Owner)
}

func TestTransferLeavesUnmatchedOfferUntouched(t *testing.T) {
	owner := testAccount(t, 0)
	recipient := testAccount(t, 0)
	bidder := testAccount(t, 5000)

	token, tree := mintCommitted(t, owner, []string{"1", "2"})

	_, err := escrow.Initialize(token.TokenID, bidder, 5000)
	require.NoError(t, err)

	_, settled, err := Transfer(owner, recipient, token.TokenID, "1", pathFor(t, tree, 0))
	require.NoError(t, err)
	assert.Nil(t, settled)

	db := dbconf.DatabaseConnection()
	assert.Equal(t, uint64(5000), escrow.OfferAmountOf(db, token.TokenID, bidder))
}

func TestTransferRequiresCurrentOwner(t *testing.T) {
	owner := testAccount(t, 0)
	imposter := testAccount(t, 0)
	recipient := testAccount(t, 0)

	token, tree := mintCommitted(t, owner, []string{"1"})

	_, _, err := Transfer(imposter, recipient, token.TokenID, "1", pathFor(t, tree, 0))
	assert.Equal(t, ErrUnauthorizedCaller, err)

	resolved, err := OwnerOf(dbconf.DatabaseConnection(), token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, owner, *resolved)
}

func TestTransferEnforcesMonotonicCodes(t *testing.T) {
	owner := testAccount(t, 0)
	first := testAccount(t, 0)
	second := testAccount(t, 0)

	token, tree := mintCommitted(t, owner, []string{"1", "2", "3"})

	_, _, err := Transfer(owner, first, token.TokenID, "2", pathFor(t, tree, 1))
	require.NoError(t, err)

	// skipping ahead burned code "1"; it can never be consumed
	_, _, err = Transfer(first, second, token.TokenID, "1", pathFor(t, tree, 0))
	assert.Equal(t, ErrReplayedCode, err)

	_, _, err = Transfer(first, second, token.TokenID, "3", pathFor(t, tree, 2))
	assert.NoError(t, err)
}

func TestTransferRejectsForeignProof(t *testing.T) {
	owner := testAccount(t, 0)
	recipient := testAccount(t, 0)

	token, _ := mintCommitted(t, owner, []string{"1", "2"})
	_, foreignTree := mintCommitted(t, owner, []string{"7", "8"})

	_, _, err := Transfer(owner, recipient, token.TokenID, "7", pathFor(t, foreignTree, 0))
	assert.Equal(t, ErrInvalidProof, err)
}

func TestNullifierForeclosesNumericallyAmbiguousCodes(t *testing.T) {
	owner := testAccount(t, 0)
	first := testAccount(t, 0)
	second := testAccount(t, 0)

	// "2" and "02" share the numeric image 2 but commit distinct leaves
	token, tree := mintCommitted(t, owner, []string{"1", "02", "2", "3"})

	_, _, err := Transfer(owner, first, token.TokenID, "1", pathFor(t, tree, 0))
	require.NoError(t, err)

	_, _, err = Transfer(first, second, token.TokenID, "02", pathFor(t, tree, 1))
	require.NoError(t, err)

	// same numeric value is rejected by the strict ordering
	_, _, err = Transfer(second, first, token.TokenID, "2", pathFor(t, tree, 2))
	assert.Equal(t, ErrReplayedCode, err)
}

func TestLastProcessedNonDecreasing(t *testing.T) {
	owner := testAccount(t, 0)
	accounts := []uuid.UUID{owner, testAccount(t, 0), testAccount(t, 0), testAccount(t, 0)}

	token, tree := mintCommitted(t, owner, []string{"1", "2", "3"})

	db := dbconf.DatabaseConnection()
	last := uint64(0)
	for i := 0; i < 3; i++ {
		_, _, err := Transfer(accounts[i], accounts[i+1], token.TokenID, []string{"1", "2", "3"}[i], pathFor(t, tree, i))
		require.NoError(t, err)

		fresh := resolveToken(db, token.TokenID)
		require.NotNil(t, fresh)
		assert.Greater(t, fresh.LastProcessed, last)
		last = fresh.LastProcessed
	}
}

func TestAcceptOfferRequiresOwner(t *testing.T) {
	owner := testAccount(t, 0)
	bidder := testAccount(t, 5000)

	token, _ := mintCommitted(t, owner, []string{"1"})

	_, err := escrow.Initialize(token.TokenID, bidder, 5000)
	require.NoError(t, err)

	_, err = AcceptOffer(bidder, token.TokenID, bidder)
	assert.Equal(t, ErrUnauthorizedCaller, err)

	_, err = AcceptOffer(owner, token.TokenID, bidder)
	assert.NoError(t, err)
}

func TestRefundOfferRequiresOwner(t *testing.T) {
	owner := testAccount(t, 0)
	bidder := testAccount(t, 5000)

	token, _ := mintCommitted(t, owner, []string{"1"})

	_, err := escrow.Initialize(token.TokenID, bidder, 5000)
	require.NoError(t, err)
	_, err = AcceptOffer(owner, token.TokenID, bidder)
	require.NoError(t, err)

	_, err = RefundOffer(bidder, token.TokenID, bidder)
	assert.Equal(t, ErrUnauthorizedCaller, err)

	_, err = RefundOffer(owner, token.TokenID, bidder)
	assert.NoError(t, err)

	provider := treasury.ProviderFactory()
	balance, err := provider.BalanceOf(dbconf.DatabaseConnection(), bidder)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), balance)
}

func TestTransferRollsBackWhenSettlementFails(t *testing.T) {
	seller := testAccount(t, 0)
	buyer := testAccount(t, 21000)
	token, tree := mintCommitted(t, seller, []string{"1", "2"})

	_, err := escrow.Initialize(token.TokenID, buyer, 21000)
	require.NoError(t, err)
	_, err = AcceptOffer(seller, token.TokenID, buyer)
	require.NoError(t, err)

	// drain the vault so the payout to the seller cannot be covered
	db := dbconf.DatabaseConnection()
	provider := treasury.ProviderFactory()
	vaultBalance, err := provider.BalanceOf(db, escrow.VaultAccountID)
	require.NoError(t, err)
	require.NoError(t, provider.Debit(db, escrow.VaultAccountID, vaultBalance))
	defer provider.Credit(db, escrow.VaultAccountID, vaultBalance)

	_, _, err = Transfer(seller, buyer, token.TokenID, "1", pathFor(t, tree, 0))
	require.Error(t, err)
	assert.Equal(t, escrow.ErrSettlementFailed, err)

	// the ownership change and the code advance rolled back with the payout
	refreshed := resolveToken(db, token.TokenID)
	require.NotNil(t, refreshed)
	assert.Equal(t, seller, *refreshed.Owner)
	assert.Equal(t, uint64(0), refreshed.LastProcessed)
	assert.True(t, refreshed.IsAuthorized(db, "1", pathFor(t, tree, 0)))

	// the acceptance and escrowed amount survive intact
	require.NotNil(t, escrow.AcceptedCounterpartyOf(db, token.TokenID))
	assert.Equal(t, buyer, *escrow.AcceptedCounterpartyOf(db, token.TokenID))
	assert.Equal(t, uint64(21000), escrow.OfferAmountOf(db, token.TokenID, buyer))
}

func TestAuthorizeSurfacesNullifierLoadFailure(t *testing.T) {
	owner := testAccount(t, 0)
	token, tree := mintCommitted(t, owner, []string{"1"})

	closed := dbconf.DatabaseConnection().Begin()
	closed.Rollback()

	_, err := InitNullifierStore(closed, token.ID, merkle.HashFactory(token.Hash))
	require.Error(t, err)

	// an unreachable nullifier store aborts authorization with an error
	// instead of panicking mid-operation
	err = token.authorize(closed, "1", pathFor(t, tree, 0))
	require.Error(t, err)
	assert.NotEqual(t, ErrReplayedCode, err)
	assert.NotEqual(t, ErrInvalidProof, err)
}
