package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thirdweb-dev/engine-sub001/buildinfo"
	"github.com/thirdweb-dev/engine-sub001/internal/engine"
	"github.com/thirdweb-dev/engine-sub001/pkg/database"
	"github.com/thirdweb-dev/engine-sub001/pkg/eth"
	"github.com/thirdweb-dev/engine-sub001/pkg/jobs"
	jobsimpl "github.com/thirdweb-dev/engine-sub001/pkg/jobs/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/logging"
	"github.com/thirdweb-dev/engine-sub001/pkg/metrics"
	noncepkg "github.com/thirdweb-dev/engine-sub001/pkg/nonce"
	nonceimpl "github.com/thirdweb-dev/engine-sub001/pkg/nonce/impl"
	healthimpl "github.com/thirdweb-dev/engine-sub001/pkg/noncehealth/impl"
	minerimpl "github.com/thirdweb-dev/engine-sub001/pkg/txminer/impl"
	txrecordimpl "github.com/thirdweb-dev/engine-sub001/pkg/txrecord/impl"
	senderimpl "github.com/thirdweb-dev/engine-sub001/pkg/txsender/impl"
	"github.com/thirdweb-dev/engine-sub001/pkg/wallet"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
	webhookimpl "github.com/thirdweb-dev/engine-sub001/pkg/webhook/impl"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := setupConfig()
	logging.SetupLogger(buildinfo.GitCommit, cfg.Log.Debug, cfg.Log.Human)
	if err := metrics.SetupInstrumentation(":"+cfg.Metrics.Port, "engine"); err != nil {
		log.Fatal().Err(err).Str("port", cfg.Metrics.Port).Msg("could not setup instrumentation")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	checkInterval, err := time.ParseDuration(cfg.Monitor.CheckInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("check interval has invalid format: %s", cfg.Monitor.CheckInterval)
	}
	reapInterval, err := time.ParseDuration(cfg.Jobs.ReapInterval)
	if err != nil {
		log.Fatal().Err(err).Msgf("reap interval has invalid format: %s", cfg.Jobs.ReapInterval)
	}
	reapGrace, err := time.ParseDuration(cfg.Jobs.ReapGrace)
	if err != nil {
		log.Fatal().Err(err).Msgf("reap grace has invalid format: %s", cfg.Jobs.ReapGrace)
	}
	maxGasPrice, err := parseMaxGasPrice(cfg.Mine.MaxGasPrice)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to parse max gas price")
	}

	keyring, err := wallet.NewKeyring(splitNonEmpty(cfg.Signers.PrivateKeys))
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create keyring from private keys")
	}
	if len(keyring.Addresses()) == 0 {
		log.Fatal().Msg("at least one signer private key is required")
	}

	clients, err := dialChains(ctx, cfg.Chains.Endpoints)
	if err != nil {
		log.Fatal().Err(err).Msg("dialing chain endpoints")
	}
	if len(clients) == 0 {
		log.Fatal().Msg("at least one chain endpoint is required")
	}

	sqliteDB, err := database.Open(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DB.Path).Msg("opening database")
	}

	nonceStore := nonceimpl.NewNonceStore(sqliteDB)
	readers := make(map[engine.ChainID]noncepkg.ChainNonceReader, len(clients))
	for id, client := range clients {
		readers[id] = client
	}
	allocator, err := nonceimpl.NewAllocator(nonceStore, readers, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("creating nonce allocator")
	}
	records := txrecordimpl.NewTxRecordStore(sqliteDB)
	queue := jobsimpl.NewQueue(sqliteDB)

	var hooks webhook.Dispatcher = webhook.NopDispatcher{}
	if cfg.Webhook.URL != "" {
		hooks = webhookimpl.NewHTTPDispatcher(cfg.Webhook.URL)
	}

	sender, err := senderimpl.NewSender(senderimpl.Config{
		Clients:     clients,
		Keyring:     keyring,
		Allocator:   allocator,
		Locks:       nonceStore,
		Records:     records,
		Queue:       queue,
		Hooks:       hooks,
		MaxInFlight: cfg.Send.MaxInFlight,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating transaction sender")
	}
	miner, err := minerimpl.NewMiner(minerimpl.Config{
		Clients:          clients,
		Keyring:          keyring,
		Allocator:        allocator,
		Records:          records,
		Hooks:            hooks,
		MaxResends:       cfg.Mine.MaxResends,
		MinElapsedBlocks: cfg.Mine.MinElapsedBlocks,
		MaxGasPrice:      maxGasPrice,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating transaction miner")
	}
	healer := healthimpl.NewHealer(healthimpl.HealerConfig{
		Clients:     clients,
		Allocator:   allocator,
		Store:       nonceStore,
		Records:     records,
		MaxInFlight: cfg.Send.MaxInFlight,
		MaxRecycled: allocator.MaxRecycled(),
	})
	monitor, err := healthimpl.NewMonitor(healthimpl.MonitorConfig{
		Clients:  clients,
		Wallets:  keyring.Addresses(),
		Store:    nonceStore,
		Healer:   healer,
		Queue:    queue,
		Interval: checkInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("creating nonce monitor")
	}

	runner, err := jobsimpl.NewRunner(queue)
	if err != nil {
		log.Fatal().Err(err).Msg("creating job runner")
	}
	runner.Register(jobs.QueueSend, sender.Handle)
	runner.Register(jobs.QueueMine, miner.Handle)
	runner.Register(jobs.QueueHeal, healthimpl.HealHandler(healer))
	runner.Register(jobs.QueueReset, healthimpl.ResetHandler(healer))
	reaper := jobsimpl.NewReaper(sqliteDB, reapInterval, reapGrace)

	runner.Start()
	reaper.Start()
	monitor.Start()
	log.Info().
		Int("chains", len(clients)).
		Int("wallets", len(keyring.Addresses())).
		Msg("daemon started")

	<-ctx.Done()
	log.Info().Msg("closing daemon gracefully...")
	monitor.Close()
	runner.Close()
	reaper.Close()
	if err := sqliteDB.Close(); err != nil {
		log.Error().Err(err).Msg("closing database")
	}
	log.Info().Msg("daemon closed")
}

// dialChains connects to every configured endpoint concurrently, verifying
// each node's reported chain id against the configured one.
func dialChains(ctx context.Context, endpoints string) (map[engine.ChainID]eth.ChainClient, error) {
	clients := make(map[engine.ChainID]eth.ChainClient)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, pair := range splitNonEmpty(endpoints) {
		pair := pair
		g.Go(func() error {
			idStr, endpoint, found := strings.Cut(pair, "=")
			if !found {
				return fmt.Errorf("chain entry %q isn't a chainID=endpoint pair", pair)
			}
			chainID, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing chain id %q: %s", idStr, err)
			}
			client, err := eth.Dial(ctx, endpoint, chainID)
			if err != nil {
				return fmt.Errorf("dialing chain %d: %s", chainID, err)
			}
			mu.Lock()
			clients[engine.ChainID(chainID)] = client
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clients, nil
}

func parseMaxGasPrice(s string) (*big.Int, error) {
	if s == "" || s == "0" {
		return nil, nil
	}
	price, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q isn't a valid wei amount", s)
	}
	return price, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
