package agreements

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/commission"
	"github.com/tobenna/marketledger/internal/wallet"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// agreement commission defaults to 5 percent on top
func testRates() *commission.Resolver {
	return commission.NewResolver(commission.NewMemoryStore(), map[string]decimal.Decimal{
		commission.KindAgreement: dec("0.95"),
	})
}

type fakeDisputes struct {
	opened []string
}

func (f *fakeDisputes) OpenForAgreement(_ context.Context, agreementID, initiatorID, respondentID, reason string) error {
	f.opened = append(f.opened, agreementID)
	return nil
}

func newRig(t *testing.T) (*Service, *wallet.MemoryStore) {
	t.Helper()
	ledger := wallet.NewMemoryStore()
	return NewService(NewMemoryStore(), ledger, testRates()), ledger
}

func threeParty(t *testing.T, svc *Service) *Agreement {
	t.Helper()
	a, err := svc.Create(context.Background(), "initiator", &CreateRequest{
		Title:  "Website build",
		Amount: dec("10000"),
		Recipients: []RecipientInput{
			{UserID: "designer", Share: dec("6000")},
			{UserID: "developer", Share: dec("4000")},
		},
	})
	require.NoError(t, err)
	return a
}

func acceptAll(t *testing.T, svc *Service, a *Agreement) *Agreement {
	t.Helper()
	ctx := context.Background()

	a, err := svc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)

	for _, userID := range []string{"designer", "developer"} {
		code := a.PartyFor(userID).InviteCode
		a, err = svc.Accept(ctx, a.ID, userID, code)
		require.NoError(t, err)
	}
	require.Equal(t, StatusReadyForFunding, a.Status)
	return a
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRig(t)

	_, err := svc.Create(ctx, "initiator", &CreateRequest{
		Title:  "bad shares",
		Amount: dec("10000"),
		Recipients: []RecipientInput{
			{UserID: "a", Share: dec("6000")},
			{UserID: "b", Share: dec("3000")},
		},
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Create(ctx, "initiator", &CreateRequest{
		Title:  "self dealing",
		Amount: dec("100"),
		Recipients: []RecipientInput{
			{UserID: "initiator", Share: dec("100")},
		},
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Create(ctx, "initiator", &CreateRequest{
		Title:  "duplicate recipient",
		Amount: dec("200"),
		Recipients: []RecipientInput{
			{UserID: "a", Share: dec("100")},
			{UserID: "a", Share: dec("100")},
		},
	})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateComputesCommissionOnTop(t *testing.T) {
	svc, _ := newRig(t)
	a := threeParty(t, svc)

	require.Equal(t, StatusDraft, a.Status)
	require.True(t, a.Commission.Equal(dec("500")), "5%% of 10000, got %s", a.Commission)
	require.Len(t, a.Parties, 3)
	require.True(t, a.PartyFor("initiator").Accepted)
	require.NotEmpty(t, a.PartyFor("designer").InviteCode)
}

func TestUnanimousVoteReleasesShares(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)
	a := acceptAll(t, svc, threeParty(t, svc))

	_, err := ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("12000"))
	require.NoError(t, err)

	a, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, a.Status)

	w, _ := ledger.Get(ctx, "initiator")
	require.True(t, w.Balance.Equal(dec("1500")), "12000 - 10500, got %s", w.Balance)
	require.True(t, w.EscrowBalance.Equal(dec("10500")))

	a, err = svc.Start(ctx, a.ID, "initiator")
	require.NoError(t, err)

	for _, userID := range []string{"initiator", "designer"} {
		a, err = svc.Vote(ctx, a.ID, userID, true)
		require.NoError(t, err)
		require.Equal(t, StatusInProgress, a.Status, "no release before unanimity")
	}

	a, err = svc.Vote(ctx, a.ID, "developer", true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, a.Status)

	w, _ = ledger.Get(ctx, "initiator")
	require.True(t, w.EscrowBalance.IsZero(), "escrow fully drained, got %s", w.EscrowBalance)
	require.True(t, w.Balance.Equal(dec("1500")))

	designer, _ := ledger.Get(ctx, "designer")
	require.True(t, designer.Balance.Equal(dec("6000")))
	developer, _ := ledger.Get(ctx, "developer")
	require.True(t, developer.Balance.Equal(dec("4000")))

	// a late duplicate vote is a conflict, not a second release
	_, err = svc.Vote(ctx, a.ID, "developer", true)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestPartialVotesHoldFunds(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)
	a := acceptAll(t, svc, threeParty(t, svc))

	_, err := ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("10500"))
	require.NoError(t, err)
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)
	_, err = svc.Start(ctx, a.ID, "initiator")
	require.NoError(t, err)

	a, err = svc.Vote(ctx, a.ID, "designer", true)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, a.Status)

	w, _ := ledger.Get(ctx, "designer")
	require.True(t, w.Balance.IsZero())
	w, _ = ledger.Get(ctx, "initiator")
	require.True(t, w.EscrowBalance.Equal(dec("10500")))
}

func TestRejectBeforeFundingCancels(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRig(t)
	a := threeParty(t, svc)

	a, err := svc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)

	a, err = svc.Reject(ctx, a.ID, "designer", "terms unacceptable")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, a.Status)
	require.NotNil(t, a.CancelledAt)

	_, err = svc.Reject(ctx, a.ID, "developer", "me too")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestRejectAfterFundingOpensDispute(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)
	disputes := &fakeDisputes{}
	svc.WithDisputes(disputes)

	a := acceptAll(t, svc, threeParty(t, svc))
	_, err := ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("10500"))
	require.NoError(t, err)
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)

	got, err := svc.Reject(ctx, a.ID, "designer", "work never started")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, got.Status, "funded agreement survives a reject")
	require.Equal(t, []string{a.ID}, disputes.opened)

	w, _ := ledger.Get(ctx, "initiator")
	require.True(t, w.EscrowBalance.Equal(dec("10500")), "funds stay committed")
}

func TestFundPreconditions(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)

	a := threeParty(t, svc)
	_, err := svc.Fund(ctx, a.ID, "initiator")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "cannot fund a draft")

	a = acceptAll(t, svc, threeParty(t, svc))
	_, err = svc.Fund(ctx, a.ID, "designer")
	require.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	// insufficient balance surfaces from the ledger
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.Equal(t, apperr.KindInsufficientFunds, apperr.KindOf(err))

	// expiry closes the funding window
	_, err = ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("10500"))
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestAcceptGuards(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRig(t)
	a := threeParty(t, svc)

	code := a.PartyFor("designer").InviteCode
	_, err := svc.Accept(ctx, a.ID, "designer", code)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "cannot accept a draft")

	a, err = svc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)

	_, err = svc.Accept(ctx, a.ID, "impostor", code)
	require.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	_, err = svc.Accept(ctx, a.ID, "designer", "WRONGCODE")
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	a, err = svc.Accept(ctx, a.ID, "designer", code)
	require.NoError(t, err)
	_, err = svc.Accept(ctx, a.ID, "designer", code)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestObserversDoNotVote(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)

	a, err := svc.Create(ctx, "initiator", &CreateRequest{
		Title:  "with observer",
		Amount: dec("1000"),
		Recipients: []RecipientInput{
			{UserID: "worker", Share: dec("1000")},
		},
		Observers: []string{"auditor"},
	})
	require.NoError(t, err)

	a, err = svc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)
	a, err = svc.Accept(ctx, a.ID, "worker", a.PartyFor("worker").InviteCode)
	require.NoError(t, err)
	a, err = svc.Accept(ctx, a.ID, "auditor", a.PartyFor("auditor").InviteCode)
	require.NoError(t, err)
	require.Equal(t, StatusReadyForFunding, a.Status)

	_, err = ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("1050"))
	require.NoError(t, err)
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)
	_, err = svc.Start(ctx, a.ID, "initiator")
	require.NoError(t, err)

	_, err = svc.Vote(ctx, a.ID, "auditor", true)
	require.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	// unanimity is over the voting parties only
	_, err = svc.Vote(ctx, a.ID, "initiator", true)
	require.NoError(t, err)
	a, err = svc.Vote(ctx, a.ID, "worker", true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, a.Status)
}

func TestConcurrentVotesAllLand(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)
	a := acceptAll(t, svc, threeParty(t, svc))

	_, err := ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("10500"))
	require.NoError(t, err)
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)
	_, err = svc.Start(ctx, a.ID, "initiator")
	require.NoError(t, err)

	_, err = svc.Vote(ctx, a.ID, "initiator", true)
	require.NoError(t, err)

	// both remaining voters confirm at the same time; neither
	// confirmation may be lost to an aggregate rewrite
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []string{"designer", "developer"} {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, errs[i] = svc.Vote(ctx, a.ID, userID, true)
		}(i, userID)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, err = svc.Get(ctx, a.ID, "initiator", false)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, a.Status)
	for _, userID := range []string{"initiator", "designer", "developer"} {
		require.True(t, a.PartyFor(userID).Confirmed, "%s vote lost", userID)
	}

	w, _ := ledger.Get(ctx, "initiator")
	require.True(t, w.EscrowBalance.IsZero(), "escrow drained exactly once, got %s", w.EscrowBalance)
	designer, _ := ledger.Get(ctx, "designer")
	require.True(t, designer.Balance.Equal(dec("6000")))
}

func TestConcurrentAcceptsAllLand(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRig(t)
	a := threeParty(t, svc)

	a, err := svc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, userID := range []string{"designer", "developer"} {
		code := a.PartyFor(userID).InviteCode
		wg.Add(1)
		go func(i int, userID, code string) {
			defer wg.Done()
			_, errs[i] = svc.Accept(ctx, a.ID, userID, code)
		}(i, userID, code)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, err = svc.Get(ctx, a.ID, "initiator", false)
	require.NoError(t, err)
	require.Equal(t, StatusReadyForFunding, a.Status, "an acceptance was lost")
}

func TestResolveCompromiseSplitsShares(t *testing.T) {
	ctx := context.Background()
	svc, ledger := newRig(t)
	a := acceptAll(t, svc, threeParty(t, svc))

	_, err := ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("10500"))
	require.NoError(t, err)
	_, err = svc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)

	a, err = svc.Resolve(ctx, a.ID, dec("0.5"), "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, a.Status)

	designer, _ := ledger.Get(ctx, "designer")
	require.True(t, designer.Balance.Equal(dec("3000")))
	developer, _ := ledger.Get(ctx, "developer")
	require.True(t, developer.Balance.Equal(dec("2000")))

	initiator, _ := ledger.Get(ctx, "initiator")
	require.True(t, initiator.Balance.Equal(dec("5000")), "half of the shares refunded")
	require.True(t, initiator.EscrowBalance.IsZero())

	_, err = svc.Resolve(ctx, a.ID, dec("0.5"), "admin-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}
