package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"github.com/tideswap/swapd/pkg/boltz"
)

type fakeQuoter struct {
	calls  int
	amount uint64
	err    error
}

func (f *fakeQuoter) Negotiate(swapId string, originalAmount uint64) (uint64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if f.amount == 0 {
		return originalAmount, nil
	}
	return f.amount, nil
}

type fakeClaimer struct {
	calls int
	txid  string
	err   error
}

func (f *fakeClaimer) Claim(ctx context.Context, swap *Swap, lockupTxHex string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.txid, nil
}

type fakeCrossSigner struct {
	calls int
	err   error
}

func (f *fakeCrossSigner) SignServerClaim(ctx context.Context, swap *Swap) error {
	f.calls++
	return f.err
}

type fakeRefunder struct {
	calls int
	txid  string
	err   error
}

func (f *fakeRefunder) Refund(ctx context.Context, swap *Swap) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.txid, nil
}

func testSwap(t *testing.T, direction Direction) *Swap {
	t.Helper()
	ownKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	serverKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	preimage, err := GeneratePreimage()
	require.NoError(t, err)

	sw, err := NewSwap("swapid", direction, 100_000, preimage, ownKey, serverKey.PubKey(), nil)
	require.NoError(t, err)
	return sw
}

func update(id, status string) boltz.SwapUpdate {
	return boltz.SwapUpdate{Id: id, Status: status}
}

func TestSessionOutboundLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path with renegotiation", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		quoter := &fakeQuoter{amount: 99_000}
		claimer := &fakeClaimer{txid: "claimtx"}

		session, err := NewSession(sw, Collaborators{Quoter: quoter, Claimer: claimer})
		require.NoError(t, err)
		require.Equal(t, StateCreated, session.State())

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		require.Equal(t, StateAwaitingLockup, session.State())

		session.HandleEvent(ctx, update("swapid", "transaction.lockupFailed"))
		require.Equal(t, StateAwaitingLockup, session.State())
		require.Equal(t, uint64(99_000), sw.Amount)

		session.HandleEvent(ctx, update("swapid", "transaction.server.mempool"))
		require.Equal(t, StateClaimSubmitted, session.State())

		done := boltz.SwapUpdate{
			Id:          "swapid",
			Status:      "transaction.claimed",
			Transaction: boltz.TransactionRef{Id: "claimtx"},
		}
		session.HandleEvent(ctx, done)

		require.Equal(t, StateClaimed, session.State())
		require.Equal(t, StatusClaimed, sw.Status)
		require.Equal(t, "claimtx", sw.ClaimTxid)
		require.Equal(t, 1, quoter.calls)
		require.Equal(t, 1, claimer.calls)
	})

	t.Run("events for other swaps are dropped", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		claimer := &fakeClaimer{txid: "tx"}
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: claimer})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("other", "swap.created"))
		require.Equal(t, StateCreated, session.State())
		require.Zero(t, claimer.calls)
	})

	t.Run("unknown status tags are dropped", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: &fakeClaimer{}})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "some.future.status"))
		require.Equal(t, StateCreated, session.State())
	})

	t.Run("out of order event has no transition", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		claimer := &fakeClaimer{txid: "tx"}
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: claimer})
		require.NoError(t, err)

		// claim before the swap was even acknowledged
		session.HandleEvent(ctx, update("swapid", "transaction.claimed"))
		require.Equal(t, StateCreated, session.State())
		require.Zero(t, claimer.calls)
	})

	t.Run("claim failure terminates the swap", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		claimer := &fakeClaimer{err: errors.New("broadcast refused")}
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: claimer})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "transaction.server.confirmed"))

		require.Equal(t, StateFailed, session.State())
		require.Equal(t, StatusFailed, sw.Status)
		require.Contains(t, sw.Error, "broadcast refused")
	})

	t.Run("rejected quote terminates the swap", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		quoter := &fakeQuoter{err: ErrQuoteRejected}
		claimer := &fakeClaimer{}
		session, err := NewSession(sw, Collaborators{Quoter: quoter, Claimer: claimer})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "transaction.lockupFailed"))

		require.Equal(t, StateFailed, session.State())
		require.Zero(t, claimer.calls)
	})
}

func TestSessionInboundLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("cosigns the service claim", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		signer := &fakeCrossSigner{}
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, CrossSigner: signer})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "transaction.mempool"))
		require.Equal(t, StateAwaitingLockup, session.State())

		session.HandleEvent(ctx, update("swapid", "transaction.server.mempool"))
		require.Equal(t, StateLockupDetected, session.State())

		session.HandleEvent(ctx, update("swapid", "transaction.claim.pending"))
		require.Equal(t, StateClaimSubmitted, session.State())
		require.Equal(t, 1, signer.calls)

		session.HandleEvent(ctx, update("swapid", "transaction.claimed"))
		require.Equal(t, StateClaimed, session.State())
		require.Equal(t, StatusClaimed, sw.Status)
	})

	t.Run("failing signer fails the swap", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		signer := &fakeCrossSigner{err: ErrPartialSigInvalid}
		refunder := &fakeRefunder{}
		session, err := NewSession(sw, Collaborators{
			Quoter: &fakeQuoter{}, CrossSigner: signer, Refunder: refunder,
		})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "transaction.server.mempool"))
		session.HandleEvent(ctx, update("swapid", "transaction.claim.pending"))

		require.Equal(t, StateFailed, session.State())
		require.Equal(t, StatusFailed, sw.Status)
		require.Zero(t, refunder.calls)
	})

	t.Run("expiry triggers the refund path", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		refunder := &fakeRefunder{txid: "refundtx"}
		session, err := NewSession(sw, Collaborators{
			Quoter: &fakeQuoter{}, CrossSigner: &fakeCrossSigner{}, Refunder: refunder,
		})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "swap.expired"))

		require.Equal(t, StateRefunded, session.State())
		require.Equal(t, StatusRefunded, sw.Status)
		require.Equal(t, 1, refunder.calls)
	})

	t.Run("expiry without refunder fails", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		session, err := NewSession(sw, Collaborators{
			Quoter: &fakeQuoter{}, CrossSigner: &fakeCrossSigner{},
		})
		require.NoError(t, err)

		session.HandleEvent(ctx, update("swapid", "swap.created"))
		session.HandleEvent(ctx, update("swapid", "transaction.failed"))

		require.Equal(t, StateFailed, session.State())
	})
}

func TestSessionTerminalStates(t *testing.T) {
	ctx := context.Background()

	sw := testSwap(t, DirectionOut)
	claimer := &fakeClaimer{txid: "tx"}
	session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: claimer})
	require.NoError(t, err)

	session.HandleEvent(ctx, update("swapid", "swap.created"))
	session.HandleEvent(ctx, update("swapid", "transaction.server.mempool"))
	session.HandleEvent(ctx, update("swapid", "transaction.claimed"))
	require.Equal(t, StateClaimed, session.State())

	// nothing moves a terminal session
	session.HandleEvent(ctx, update("swapid", "swap.created"))
	session.HandleEvent(ctx, update("swapid", "swap.expired"))
	require.Equal(t, StateClaimed, session.State())
	require.Equal(t, 1, claimer.calls)
}

func TestSessionRun(t *testing.T) {
	t.Run("consumes events until terminal", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		claimer := &fakeClaimer{txid: "tx"}
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: claimer})
		require.NoError(t, err)

		updates := make(chan boltz.SwapUpdate, 4)
		updates <- update("swapid", "swap.created")
		updates <- update("swapid", "transaction.server.mempool")
		updates <- update("swapid", "transaction.claimed")

		session.Run(context.Background(), updates, time.Second)

		require.Equal(t, StateClaimed, session.State())
		require.Equal(t, 1, claimer.calls)
	})

	t.Run("timeout falls back to refund", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		refunder := &fakeRefunder{txid: "refundtx"}
		session, err := NewSession(sw, Collaborators{
			Quoter: &fakeQuoter{}, CrossSigner: &fakeCrossSigner{}, Refunder: refunder,
		})
		require.NoError(t, err)

		updates := make(chan boltz.SwapUpdate)
		session.Run(context.Background(), updates, 20*time.Millisecond)

		require.Equal(t, StateRefunded, session.State())
		require.Equal(t, 1, refunder.calls)
	})

	t.Run("closed stream fails the swap", func(t *testing.T) {
		sw := testSwap(t, DirectionOut)
		session, err := NewSession(sw, Collaborators{Quoter: &fakeQuoter{}, Claimer: &fakeClaimer{}})
		require.NoError(t, err)

		updates := make(chan boltz.SwapUpdate)
		close(updates)
		session.Run(context.Background(), updates, time.Second)

		require.Equal(t, StateFailed, session.State())
	})

	t.Run("cancellation stops without acting", func(t *testing.T) {
		sw := testSwap(t, DirectionIn)
		refunder := &fakeRefunder{}
		session, err := NewSession(sw, Collaborators{
			Quoter: &fakeQuoter{}, CrossSigner: &fakeCrossSigner{}, Refunder: refunder,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		updates := make(chan boltz.SwapUpdate)
		session.Run(ctx, updates, time.Second)

		require.Equal(t, StateCreated, session.State())
		require.Zero(t, refunder.calls)
	})
}
