package domain

import (
	"context"
)

type SwapStatus int

const (
	SwapPending SwapStatus = iota
	SwapClaimed
	SwapFailed
	SwapRefunded
)

type SwapDirection int

const (
	SwapOut SwapDirection = iota
	SwapIn
)

// Swap is the persisted snapshot of a swap session. Key material is
// stored so an interrupted pending swap can be resumed or refunded
// after a restart.
type Swap struct {
	Id                 string
	Direction          SwapDirection
	Amount             uint64
	Timestamp          int64
	Status             SwapStatus
	State              string
	Preimage           []byte
	PreimageHash       []byte
	PrivateKey         []byte
	ServerPublicKey    []byte
	TimeoutBlockHeight uint32
	ClaimLeafScript    []byte
	RefundLeafScript   []byte
	RefundAddr         string
	ClaimTxid          string
	Error              string
}

// SwapRepository stores the swaps initiated by this client.
type SwapRepository interface {
	GetAll(ctx context.Context) ([]Swap, error)
	Get(ctx context.Context, swapId string) (*Swap, error)
	GetPending(ctx context.Context) ([]Swap, error)
	AddOrUpdate(ctx context.Context, swap Swap) error
	Delete(ctx context.Context, swapId string) error
	Close()
}
