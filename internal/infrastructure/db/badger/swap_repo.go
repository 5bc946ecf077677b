package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/tideswap/swapd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const swapDir = "swap"

type swapRepository struct {
	store *badgerhold.Store
}

// NewSwapRepository opens the swap store under baseDir. With an empty
// baseDir the store runs in memory, which is what the tests use.
func NewSwapRepository(baseDir string, logger badger.Logger) (domain.SwapRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, swapDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %s", err)
	}
	return &swapRepository{store}, nil
}

func (r *swapRepository) GetAll(ctx context.Context) ([]domain.Swap, error) {
	var swaps []domain.Swap
	if err := r.store.Find(&swaps, nil); err != nil {
		return nil, fmt.Errorf("failed to get all swaps: %w", err)
	}
	return swaps, nil
}

func (r *swapRepository) Get(ctx context.Context, swapId string) (*domain.Swap, error) {
	var swap domain.Swap
	err := r.store.Get(swapId, &swap)
	if err == badgerhold.ErrNotFound {
		return nil, fmt.Errorf("swap with id %s not found", swapId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return &swap, nil
}

func (r *swapRepository) GetPending(ctx context.Context) ([]domain.Swap, error) {
	var swaps []domain.Swap
	query := badgerhold.Where("Status").Eq(domain.SwapPending)
	if err := r.store.Find(&swaps, query); err != nil {
		return nil, fmt.Errorf("failed to get pending swaps: %w", err)
	}
	return swaps, nil
}

func (r *swapRepository) AddOrUpdate(ctx context.Context, swap domain.Swap) error {
	return r.store.Upsert(swap.Id, swap)
}

func (r *swapRepository) Delete(ctx context.Context, swapId string) error {
	return r.store.Delete(swapId, domain.Swap{})
}

func (r *swapRepository) Close() {
	// nolint:all
	r.store.Close()
}

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger
	if isInMemory {
		opts.InMemory = true
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)
		go func() {
			for range ticker.C {
				// nolint:all
				db.Badger().RunValueLogGC(0.5)
			}
		}()
	}

	return db, nil
}
