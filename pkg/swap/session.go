package swap

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tideswap/swapd/pkg/boltz"
)

type State int

const (
	StateCreated State = iota
	StateAwaitingLockup
	StateQuoteRenegotiation
	StateLockupDetected
	StateClaimSubmitted
	StateClaimed
	StateFailed
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingLockup:
		return "awaiting_lockup"
	case StateQuoteRenegotiation:
		return "quote_renegotiation"
	case StateLockupDetected:
		return "lockup_detected"
	case StateClaimSubmitted:
		return "claim_submitted"
	case StateClaimed:
		return "claimed"
	case StateFailed:
		return "failed"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateClaimed || s == StateFailed || s == StateRefunded
}

// Effect is a side-effect request produced by the transition function
// and executed by the session driver. Keeping effects out of the
// transition itself makes the state machine testable without a
// network.
type Effect int

const (
	EffectFundLockup Effect = iota
	EffectNegotiateQuote
	EffectClaim
	EffectSignServerClaim
	EffectRefund
	EffectClose
)

// transition is the pure state machine core: (state, direction, event)
// -> (next state, effects). It never touches the network or the swap
// record. ErrProtocolViolation marks events that have no transition
// from the current state; callers log and drop those.
func transition(state State, direction Direction, event boltz.Event) (State, []Effect, error) {
	if state.Terminal() {
		return state, nil, ErrProtocolViolation
	}

	switch state {
	case StateCreated:
		if event == boltz.SwapCreated {
			if direction == DirectionOut {
				return StateAwaitingLockup, []Effect{EffectFundLockup}, nil
			}
			return StateAwaitingLockup, nil, nil
		}

	case StateAwaitingLockup, StateQuoteRenegotiation:
		switch event {
		case boltz.TransactionLockupFailed:
			return StateQuoteRenegotiation, []Effect{EffectNegotiateQuote}, nil
		case boltz.TransactionMempool, boltz.TransactionConfirmed:
			// our own lockup observed; informational
			return StateAwaitingLockup, nil, nil
		case boltz.TransactionServerMempool, boltz.TransactionServerConfirmed:
			if direction == DirectionOut {
				return StateClaimSubmitted, []Effect{EffectClaim}, nil
			}
			return StateLockupDetected, nil, nil
		case boltz.SwapExpired, boltz.TransactionFailed:
			return StateRefunded, []Effect{EffectRefund}, nil
		}

	case StateLockupDetected:
		switch event {
		case boltz.TransactionClaimPending:
			return StateClaimSubmitted, []Effect{EffectSignServerClaim}, nil
		case boltz.SwapExpired, boltz.TransactionFailed:
			return StateRefunded, []Effect{EffectRefund}, nil
		}

	case StateClaimSubmitted:
		switch event {
		case boltz.TransactionClaimPending:
			// service re-requested our signature
			return StateClaimSubmitted, []Effect{EffectSignServerClaim}, nil
		case boltz.TransactionClaimed:
			return StateClaimed, []Effect{EffectClose}, nil
		case boltz.SwapExpired, boltz.TransactionFailed:
			return StateRefunded, []Effect{EffectRefund}, nil
		}
	}

	return state, nil, ErrProtocolViolation
}

// Collaborators are the external operations a session may request.
// Only the ones reachable for the swap's direction must be set.
type Collaborators struct {
	// Funder locks our funds on the counter ledger (DirectionOut).
	Funder LockupFunder
	// Quoter runs the renegotiation sub-protocol.
	Quoter Quoter
	// Claimer builds, cosigns and broadcasts our claim (DirectionOut).
	Claimer Claimer
	// CrossSigner partial-signs the service's claim (DirectionIn).
	CrossSigner CrossSigner
	// Refunder recovers our lockup after expiry.
	Refunder Refunder
}

type LockupFunder interface {
	FundLockup(ctx context.Context, swap *Swap) (string, error)
}

type Quoter interface {
	Negotiate(swapId string, originalAmount uint64) (uint64, error)
}

type Claimer interface {
	Claim(ctx context.Context, swap *Swap, lockupTxHex string) (string, error)
}

type CrossSigner interface {
	SignServerClaim(ctx context.Context, swap *Swap) error
}

type Refunder interface {
	Refund(ctx context.Context, swap *Swap) (string, error)
}

// Session drives one swap through its lifecycle. A session processes
// exactly one event at a time; events for other swap ids and
// unrecognized statuses are dropped. No state is shared between
// sessions.
type Session struct {
	swap   *Swap
	collab Collaborators
	state  State
}

func NewSession(swap *Swap, collab Collaborators) (*Session, error) {
	if swap == nil {
		return nil, fmt.Errorf("nil swap")
	}
	if collab.Quoter == nil {
		return nil, fmt.Errorf("missing quote negotiator")
	}
	if swap.Direction == DirectionOut && collab.Claimer == nil {
		return nil, fmt.Errorf("missing claimer for outbound swap")
	}
	if swap.Direction == DirectionIn && collab.CrossSigner == nil {
		return nil, fmt.Errorf("missing cross-signer for inbound swap")
	}

	return &Session{
		swap:   swap,
		collab: collab,
		state:  StateCreated,
	}, nil
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) Swap() *Swap {
	return s.swap
}

// HandleEvent applies one status update. Events addressed to another
// swap, of an unknown category, or invalid for the current state are
// ignored without a transition.
func (s *Session) HandleEvent(ctx context.Context, update boltz.SwapUpdate) {
	if update.Id != s.swap.Id {
		log.Debugf("Dropping event for unknown swap %s (session %s)", update.Id, s.swap.Id)
		return
	}

	event := boltz.ParseEvent(update.Status)
	if event == boltz.EventUnknown {
		log.Debugf("Dropping unrecognized status %q for swap %s", update.Status, s.swap.Id)
		return
	}

	next, effects, err := transition(s.state, s.swap.Direction, event)
	if err != nil {
		log.Warnf("Ignoring %s in state %s for swap %s", update.Status, s.state, s.swap.Id)
		return
	}

	log.Infof("Swap %s: %s -> %s on %s", s.swap.Id, s.state, next, update.Status)
	s.state = next

	for _, effect := range effects {
		if err := s.execute(ctx, effect, update); err != nil {
			if ctx.Err() != nil {
				// cancelled mid-flight; discard the result and stop
				return
			}
			log.WithError(err).Errorf("Effect failed for swap %s", s.swap.Id)
			s.fail(err.Error())
			return
		}
	}
}

// Run consumes the update stream until the session reaches a terminal
// state, the stream closes, the timeout fires, or ctx is cancelled.
// Events arrive and are processed strictly in order.
func (s *Session) Run(ctx context.Context, updates <-chan boltz.SwapUpdate, timeout time.Duration) {
	timer := time.After(timeout)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				s.fail("event stream closed")
				return
			}

			s.HandleEvent(ctx, update)

			if s.state.Terminal() {
				return
			}

		case <-timer:
			log.Warnf("Swap %s timed out after %v, attempting refund", s.swap.Id, timeout)
			s.refund()
			return

		case <-ctx.Done():
			log.Infof("Session cancelled for swap %s", s.swap.Id)
			return
		}
	}
}

func (s *Session) execute(ctx context.Context, effect Effect, update boltz.SwapUpdate) error {
	switch effect {
	case EffectFundLockup:
		if s.collab.Funder == nil {
			// funding handled out of band (e.g. manual deposit)
			return nil
		}
		txid, err := s.collab.Funder.FundLockup(ctx, s.swap)
		if err != nil {
			return fmt.Errorf("failed to fund lockup: %w", err)
		}
		log.Infof("Funded lockup for swap %s with txid: %s", s.swap.Id, txid)
		return nil

	case EffectNegotiateQuote:
		amount, err := s.collab.Quoter.Negotiate(s.swap.Id, s.swap.Amount)
		if err != nil {
			return err
		}
		s.swap.Amount = amount
		s.state = StateAwaitingLockup
		return nil

	case EffectClaim:
		txid, err := s.collab.Claimer.Claim(ctx, s.swap, update.Transaction.Hex)
		if err != nil {
			return fmt.Errorf("failed to claim lockup: %w", err)
		}
		s.swap.ClaimTxid = txid
		log.Infof("Claim transaction for swap %s broadcast: %s", s.swap.Id, txid)
		return nil

	case EffectSignServerClaim:
		if err := s.collab.CrossSigner.SignServerClaim(ctx, s.swap); err != nil {
			return fmt.Errorf("failed to cosign service claim: %w", err)
		}
		return nil

	case EffectClose:
		txid := update.Transaction.Id
		if txid == "" {
			txid = s.swap.ClaimTxid
		}
		s.swap.Claim(txid)
		return nil

	case EffectRefund:
		s.refund()
		return nil
	}

	return fmt.Errorf("unknown effect %d", effect)
}

func (s *Session) refund() {
	if s.collab.Refunder == nil {
		s.fail("swap expired and no refunder configured")
		return
	}

	txid, err := s.collab.Refunder.Refund(context.Background(), s.swap)
	if err != nil {
		log.WithError(err).Errorf("Refund failed for swap %s", s.swap.Id)
		s.fail(fmt.Sprintf("refund failed: %v", err))
		return
	}

	log.Infof("Refund successful for swap %s: %s", s.swap.Id, txid)
	s.state = StateRefunded
	s.swap.Refund(txid)
}

func (s *Session) fail(reason string) {
	s.state = StateFailed
	s.swap.Fail(reason)
}
