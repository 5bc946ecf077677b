package application

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
	"github.com/tideswap/swapd/internal/core/domain"
	"github.com/tideswap/swapd/internal/core/ports"
	"github.com/tideswap/swapd/internal/infrastructure/esplora"
	"github.com/tideswap/swapd/pkg/boltz"
	"github.com/tideswap/swapd/pkg/swap"
)

// avg block interval used to turn a timeout height into a wall-clock
// refund schedule
const blockInterval = 10 * time.Minute

// SwapService is the application facade: it creates swaps through the
// handler, persists their snapshots and resumes pending swaps after a
// restart.
type SwapService struct {
	handler   *swap.Handler
	repo      domain.SwapRepository
	scheduler ports.SchedulerService
	chain     esplora.Service
}

func NewSwapService(
	handler *swap.Handler,
	repo domain.SwapRepository,
	scheduler ports.SchedulerService,
	chain esplora.Service,
) *SwapService {
	return &SwapService{handler, repo, scheduler, chain}
}

func (s *SwapService) SwapOut(
	ctx context.Context, amount uint64, destinationAddr string,
) (*swap.Swap, error) {
	return s.handler.SwapOut(ctx, swap.SwapRequest{
		Amount:          amount,
		DestinationAddr: destinationAddr,
	})
}

func (s *SwapService) SwapIn(
	ctx context.Context, amount uint64, refundAddr string,
) (*swap.Swap, error) {
	return s.handler.SwapIn(ctx, swap.SwapRequest{
		Amount:     amount,
		RefundAddr: refundAddr,
	})
}

func (s *SwapService) GetSwap(ctx context.Context, swapId string) (*domain.Swap, error) {
	return s.repo.Get(ctx, swapId)
}

func (s *SwapService) ListSwaps(ctx context.Context) ([]domain.Swap, error) {
	return s.repo.GetAll(ctx)
}

// ResumePending schedules a refund attempt for every swap that was
// still pending when the process stopped. Expired swaps are refunded
// immediately; the rest are scheduled for their timeout height.
func (s *SwapService) ResumePending(ctx context.Context) error {
	pending, err := s.repo.GetPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	height, err := s.chain.GetBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block height: %w", err)
	}

	for _, record := range pending {
		record := record
		sw, err := toSwap(record)
		if err != nil {
			log.WithError(err).Warnf("Skipping unrecoverable pending swap %s", record.Id)
			continue
		}

		if int64(record.TimeoutBlockHeight) <= height {
			if _, err := s.handler.RefundSwap(ctx, sw); err != nil {
				log.WithError(err).Warnf("Failed to refund expired swap %s", sw.Id)
			}
			continue
		}

		blocksLeft := int64(record.TimeoutBlockHeight) - height
		at := time.Now().Add(time.Duration(blocksLeft) * blockInterval)
		log.Infof("Scheduling refund attempt for swap %s at %s", sw.Id, at)

		if err := s.scheduler.ScheduleRefund(at, func() {
			if _, err := s.handler.RefundSwap(context.Background(), sw); err != nil {
				log.WithError(err).Warnf("Scheduled refund failed for swap %s", sw.Id)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule refund for swap %s: %w", sw.Id, err)
		}
	}

	return nil
}

func (s *SwapService) Stop() {
	s.scheduler.Stop()
	s.repo.Close()
	// nolint:all
	s.chain.Close()
}

// repoStore adapts the repository to the handler's snapshot interface.
type repoStore struct {
	repo domain.SwapRepository
}

func NewStore(repo domain.SwapRepository) swap.Store {
	return &repoStore{repo}
}

func (r *repoStore) Save(ctx context.Context, sw *swap.Swap, state swap.State) error {
	return r.repo.AddOrUpdate(ctx, toRecord(sw, state))
}

func toRecord(sw *swap.Swap, state swap.State) domain.Swap {
	record := domain.Swap{
		Id:                 sw.Id,
		Amount:             sw.Amount,
		Timestamp:          sw.Timestamp,
		State:              state.String(),
		Preimage:           sw.Preimage,
		PreimageHash:       sw.PreimageHash256[:],
		PrivateKey:         sw.OwnKey.Serialize(),
		ServerPublicKey:    sw.ServerPubKey.SerializeCompressed(),
		TimeoutBlockHeight: sw.TimeoutBlockHeight,
		RefundAddr:         sw.RefundAddr,
		ClaimTxid:          sw.ClaimTxid,
		Error:              sw.Error,
	}

	if sw.Direction == swap.DirectionIn {
		record.Direction = domain.SwapIn
	}

	switch sw.Status {
	case swap.StatusClaimed:
		record.Status = domain.SwapClaimed
	case swap.StatusFailed:
		record.Status = domain.SwapFailed
	case swap.StatusRefunded:
		record.Status = domain.SwapRefunded
	default:
		record.Status = domain.SwapPending
	}

	if sw.Tree != nil {
		record.ClaimLeafScript = sw.Tree.ClaimLeaf.Script
		record.RefundLeafScript = sw.Tree.RefundLeaf.Script
	}

	return record
}

func toSwap(record domain.Swap) (*swap.Swap, error) {
	if len(record.PrivateKey) != 32 {
		return nil, fmt.Errorf("invalid private key length: %d", len(record.PrivateKey))
	}
	privKey, _ := btcec.PrivKeyFromBytes(record.PrivateKey)

	serverPubKey, err := btcec.ParsePubKey(record.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid server public key: %w", err)
	}

	direction := swap.DirectionOut
	if record.Direction == domain.SwapIn {
		direction = swap.DirectionIn
	}

	sw, err := swap.NewSwap(
		record.Id, direction, record.Amount,
		record.Preimage, privKey, serverPubKey, nil,
	)
	if err != nil {
		return nil, err
	}
	sw.Timestamp = record.Timestamp
	sw.TimeoutBlockHeight = record.TimeoutBlockHeight
	sw.RefundAddr = record.RefundAddr
	sw.ClaimTxid = record.ClaimTxid

	if len(record.ClaimLeafScript) > 0 && len(record.RefundLeafScript) > 0 {
		tree, err := swap.NewTreeInfo(boltz.SwapTree{
			ClaimLeaf: boltz.SwapTreeLeaf{
				Version: uint8(txscript.BaseLeafVersion),
				Output:  hex.EncodeToString(record.ClaimLeafScript),
			},
			RefundLeaf: boltz.SwapTreeLeaf{
				Version: uint8(txscript.BaseLeafVersion),
				Output:  hex.EncodeToString(record.RefundLeafScript),
			},
		}, serverPubKey, privKey.PubKey())
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild swap tree: %w", err)
		}
		sw.Tree = tree
	}

	return sw, nil
}
