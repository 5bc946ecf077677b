package swap

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/input"
)

// Direction tells which side of the swap holds the spendable on-chain
// lockup and therefore who constructs the claim transaction.
type Direction int

const (
	// DirectionOut: the service locks on-chain funds for us; we build,
	// cosign and broadcast the claim transaction.
	DirectionOut Direction = iota
	// DirectionIn: we lock on-chain funds; the service builds the
	// claim and we only contribute a partial signature.
	DirectionIn
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

type Status int

const (
	StatusPending Status = iota
	StatusClaimed
	StatusFailed
	StatusRefunded
)

// Swap bundles everything a single session owns: the preimage, the key
// material and the negotiated amounts. Nothing here is shared across
// sessions.
type Swap struct {
	Id        string
	Direction Direction
	Amount    uint64

	Preimage        []byte
	PreimageHash256 [32]byte
	PreimageHash160 []byte

	OwnKey       *btcec.PrivateKey
	ServerPubKey *btcec.PublicKey

	TimeoutBlockHeight uint32
	Timestamp          int64

	// Tree is the validated script tree of the on-chain leg this swap
	// manages. Needed to rebuild unilateral spends after a restart.
	Tree *TreeInfo
	// RefundAddr receives the funds recovered through the refund leaf.
	RefundAddr string

	Status    Status
	ClaimTxid string
	Error     string

	onEvent EventCallback
}

func NewSwap(
	id string,
	direction Direction,
	amount uint64,
	preimage []byte,
	ownKey *btcec.PrivateKey,
	serverPubKey *btcec.PublicKey,
	onEvent EventCallback,
) (*Swap, error) {
	if id == "" {
		return nil, errors.New("id cannot be empty")
	}
	if amount == 0 {
		return nil, errors.New("amount cannot be 0")
	}
	if len(preimage) != 32 {
		return nil, fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}
	if ownKey == nil {
		return nil, errors.New("own key cannot be nil")
	}
	if serverPubKey == nil {
		return nil, errors.New("server public key cannot be nil")
	}

	hash256 := sha256.Sum256(preimage)

	return &Swap{
		Id:              id,
		Direction:       direction,
		Amount:          amount,
		Preimage:        preimage,
		PreimageHash256: hash256,
		PreimageHash160: input.Ripemd160H(hash256[:]),
		OwnKey:          ownKey,
		ServerPubKey:    serverPubKey,
		Timestamp:       time.Now().Unix(),
		Status:          StatusPending,
		onEvent:         onEvent,
	}, nil
}

// GeneratePreimage returns 32 fresh random bytes. One preimage per
// swap; it never leaves the session until claim time.
func GeneratePreimage() ([]byte, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	return preimage, nil
}

// validatePreimage checks length and that HASH160(preimage) matches the
// hash committed in the claim leaf.
func validatePreimage(preimage, expectedHash160 []byte) error {
	if len(preimage) != 32 {
		return fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}

	buf := sha256.Sum256(preimage)
	preimageHash := input.Ripemd160H(buf[:])
	if !bytes.Equal(preimageHash, expectedHash160) {
		return fmt.Errorf("preimage hash mismatch: expected %x, got %x",
			expectedHash160, preimageHash)
	}

	return nil
}

func (s *Swap) Claim(txid string) {
	s.ClaimTxid = txid
	s.Status = StatusClaimed

	if s.onEvent != nil {
		s.onEvent(ClaimedEvent{SwapID: s.Id, TxID: txid})
	}
}

func (s *Swap) Refund(txid string) {
	s.Status = StatusRefunded

	if s.onEvent != nil {
		s.onEvent(RefundedEvent{SwapID: s.Id, TxID: txid})
	}
}

func (s *Swap) Fail(err string) {
	s.Status = StatusFailed
	s.Error = err

	if s.onEvent != nil {
		s.onEvent(FailedEvent{SwapID: s.Id, Error: err})
	}
}

// SwapEvent is a marker interface for typed terminal notifications
// emitted by a session towards the service layer.
type SwapEvent interface {
	isSwapEvent()
}

type ClaimedEvent struct {
	SwapID string
	TxID   string
}

func (ClaimedEvent) isSwapEvent() {}

type RefundedEvent struct {
	SwapID string
	TxID   string
}

func (RefundedEvent) isSwapEvent() {}

type FailedEvent struct {
	SwapID string
	Error  string
}

func (FailedEvent) isSwapEvent() {}

// EventCallback is invoked on terminal swap transitions.
type EventCallback func(event SwapEvent)
