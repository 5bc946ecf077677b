package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tideswap/swapd/internal/config"
	"github.com/tideswap/swapd/internal/core/application"
	badgerdb "github.com/tideswap/swapd/internal/infrastructure/db/badger"
	scheduler "github.com/tideswap/swapd/internal/infrastructure/scheduler/gocron"
	"github.com/tideswap/swapd/pkg/boltz"
	"github.com/tideswap/swapd/pkg/swap"

	"github.com/tideswap/swapd/internal/infrastructure/esplora"
)

func main() {
	app := cli.NewApp()
	app.Name = "swapd"
	app.Usage = "atomic chain swap client"

	app.Commands = []*cli.Command{
		{
			Name:    "swap-out",
			Aliases: []string{"out"},
			Usage:   "swap funds to an on-chain address we claim",
			Action:  swapOut,
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:     "amount",
					Aliases:  []string{"a"},
					Required: true,
					Usage:    "amount to swap in sats",
				},
				&cli.StringFlag{
					Name:     "address",
					Required: true,
					Usage:    "destination address for the claimed funds",
				},
			},
		},
		{
			Name:    "swap-in",
			Aliases: []string{"in"},
			Usage:   "swap on-chain funds out, cosigning the service claim",
			Action:  swapIn,
			Flags: []cli.Flag{
				&cli.Uint64Flag{
					Name:     "amount",
					Aliases:  []string{"a"},
					Required: true,
					Usage:    "amount to lock in sats",
				},
				&cli.StringFlag{
					Name:     "refund-address",
					Required: true,
					Usage:    "address for refunds if the swap expires",
				},
			},
		},
		{
			Name:   "list",
			Usage:  "list known swaps",
			Action: listSwaps,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func swapOut(c *cli.Context) error {
	svc, cleanup, err := buildService()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	sw, err := svc.SwapOut(ctx, c.Uint64("amount"), c.String("address"))
	if err != nil {
		return err
	}

	fmt.Printf("swap %s claimed with txid %s\n", sw.Id, sw.ClaimTxid)
	return nil
}

func swapIn(c *cli.Context) error {
	svc, cleanup, err := buildService()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	sw, err := svc.SwapIn(ctx, c.Uint64("amount"), c.String("refund-address"))
	if err != nil {
		return err
	}

	fmt.Printf("swap %s completed\n", sw.Id)
	return nil
}

func listSwaps(c *cli.Context) error {
	svc, cleanup, err := buildService()
	if err != nil {
		return err
	}
	defer cleanup()

	swaps, err := svc.ListSwaps(c.Context)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(swaps, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func buildService() (*application.SwapService, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	network, err := cfg.NetworkParams()
	if err != nil {
		return nil, nil, err
	}

	repo, err := badgerdb.NewSwapRepository(cfg.Datadir, nil)
	if err != nil {
		return nil, nil, err
	}

	chainSvc := esplora.NewService(cfg.EsploraURL)

	api := &boltz.Api{URL: cfg.BoltzURL, WSURL: cfg.BoltzWSURL}
	handler, err := swap.NewHandler(swap.HandlerConfig{
		Api:                  api,
		Network:              network,
		FeeEstimator:         chainSvc,
		From:                 boltz.CurrencyBtc,
		To:                   boltz.CurrencyBtc,
		DustLimit:            cfg.DustLimit,
		MaxQuoteDeviationPPM: cfg.MaxQuoteDeviationPPM,
		SwapTimeout:          time.Duration(cfg.SwapTimeout) * time.Second,
		Store:                application.NewStore(repo),
	})
	if err != nil {
		repo.Close()
		return nil, nil, err
	}

	schedulerSvc := scheduler.NewScheduler()
	schedulerSvc.Start()

	svc := application.NewSwapService(handler, repo, schedulerSvc, chainSvc)

	if err := svc.ResumePending(context.Background()); err != nil {
		log.WithError(err).Warn("Failed to resume pending swaps")
	}

	return svc, svc.Stop, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
