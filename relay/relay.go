// Package relay wires the pieces together and runs them: storage, queue,
// worker, engine, sponsorship gate and the HTTP surface.
package relay

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riftline/oprelay/core/config"
	"github.com/riftline/oprelay/core/opqueue"
	"github.com/riftline/oprelay/core/paymaster"
	"github.com/riftline/oprelay/core/relayengine"
	"github.com/riftline/oprelay/metrics"
	"github.com/riftline/oprelay/pkg/erc4337/bundler"
	"github.com/riftline/oprelay/storage"
)

type RelayStatus string

const (
	initStatus     RelayStatus = "init"
	runningStatus  RelayStatus = "running"
	shutdownStatus RelayStatus = "shutdown"
)

// finished queue jobs are bookkeeping only; they are swept out once they are
// old enough that nobody will ask about them again
const (
	jobPurgeInterval = time.Hour
	jobRetention     = 24 * time.Hour
)

func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("failed to parse config file %s: %w", configPath, err))
	}

	r, err := NewRelay(cfg)
	if err != nil {
		panic(fmt.Errorf("cannot initialize relay from config: %w", err))
	}

	return r.Start(context.Background())
}

type Relay struct {
	config *config.Config
	logger sdklogging.Logger

	db storage.Storage

	engine    *relayengine.Engine
	store     *relayengine.OperationStore
	dedupe    *relayengine.DedupeIndex
	queue     *opqueue.Queue
	worker    *opqueue.Worker
	processor *relayengine.SubmissionProcessor

	gate     *paymaster.Gate
	upstream *bundler.Client

	scheduler gocron.Scheduler
	cache     *bigcache.BigCache
	m         *metrics.RelayMetrics

	chainID *big.Int
	status  RelayStatus
}

func NewRelay(cfg *config.Config) (*Relay, error) {
	logger := cfg.Logger

	db, err := storage.NewWithPath(cfg.DbPath)
	if err != nil {
		logger.Error("cannot open database", "path", cfg.DbPath, "error", err)
		return nil, err
	}

	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(10*time.Minute))
	if err != nil {
		return nil, err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	m := metrics.NewRelayMetrics(prometheus.DefaultRegisterer)

	var upstream *bundler.Client
	chainID := cfg.ChainID
	if cfg.UpstreamRpcURL != "" {
		upstream, err = bundler.Dial(context.Background(), cfg.UpstreamRpcURL, cfg.UpstreamAPIKey)
		if err != nil {
			return nil, err
		}
		if chainID == nil {
			if chainID, err = upstream.ChainID(context.Background()); err != nil {
				logger.Warn("cannot fetch chain id from upstream", "error", err)
				chainID = big.NewInt(0)
			}
		}
	} else {
		logger.Info("no upstream configured, running in dry-run mode")
		if chainID == nil {
			chainID = big.NewInt(0)
		}
	}

	store := relayengine.NewOperationStore(db)
	dedupe := relayengine.NewDedupeIndex(cfg.DedupeTTL, nil)

	queue := opqueue.New(db, logger, &opqueue.QueueOption{Prefix: "op"})
	worker := opqueue.NewWorker(queue, db)

	engine := relayengine.NewEngine(store, dedupe, queue, cache, m, logger)

	var submitter relayengine.ChainSubmitter
	if upstream != nil {
		submitter = upstream
	}

	processor := relayengine.NewSubmissionProcessor(store, dedupe, queue, submitter, scheduler, relayengine.ProcessorConfig{
		Entrypoint:    cfg.EntrypointAddress,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBase:     cfg.RetryBase,
		CallTimeout:   cfg.CallTimeout,
		FatalPatterns: cfg.FatalErrorPatterns,
	}, m, logger)

	r := &Relay{
		config: cfg,
		logger: logger,
		db:     db,

		engine:    engine,
		store:     store,
		dedupe:    dedupe,
		queue:     queue,
		worker:    worker,
		processor: processor,

		upstream:  upstream,
		scheduler: scheduler,
		cache:     cache,
		m:         m,

		chainID: chainID,
		status:  initStatus,
	}

	if cfg.Paymaster != nil {
		var registry paymaster.SessionRegistry
		if cfg.Paymaster.SessionRegistryURL != "" {
			registry = paymaster.NewHTTPSessionRegistry(cfg.Paymaster.SessionRegistryURL)
		}

		limiter := paymaster.NewUsageLimiter(db, cfg.Paymaster.UsageLimit, cfg.Paymaster.UsageWindow, nil)

		r.gate = paymaster.NewGate(paymaster.Config{
			PaymasterAddress:       cfg.Paymaster.Address,
			SignerKey:              cfg.Paymaster.SignerKey,
			ChainID:                chainID,
			AllowedScopes:          cfg.Paymaster.AllowedScopes,
			UsageLimit:             cfg.Paymaster.UsageLimit,
			Window:                 cfg.Paymaster.UsageWindow,
			DefaultVerificationGas: cfg.Paymaster.DefaultVerificationGas,
			DefaultPostOpGas:       cfg.Paymaster.DefaultPostOpGas,
			ValidityWindow:         cfg.Paymaster.ValidityWindow,
		}, limiter, registry, nil, m, logger)
	}

	return r, nil
}

func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if err := r.queue.MustStart(); err != nil {
		return err
	}

	// jobs stranded in-flight by a previous crash come back immediately
	if reclaimed, err := r.queue.Recover(r.config.DeadWorkerThreshold); err != nil {
		r.logger.Error("in-flight recovery failed", "error", err)
	} else if reclaimed > 0 {
		r.logger.Info("reclaimed in-flight jobs", "count", reclaimed)
	}

	r.worker.RegisterProcessor(relayengine.JobTypeSubmit, r.processor)
	r.worker.MustStart()

	r.startMaintenance()
	r.scheduler.Start()

	r.startHttpServer(ctx)

	r.status = runningStatus
	r.logger.Info("relay started",
		"entrypoint", r.config.EntrypointAddress.Hex(),
		"chain_id", r.chainID.String(),
		"paymaster_enabled", r.gate != nil)

	<-sigs
	r.logger.Info("shutting down...")
	r.status = shutdownStatus
	r.Stop()

	return nil
}

// startMaintenance schedules the periodic sweeps: stale in-flight
// reclamation, finished-job purging, expired dedupe claims and the queue
// depth gauge
func (r *Relay) startMaintenance() {
	r.scheduler.NewJob(
		gocron.DurationJob(r.config.DeadWorkerThreshold),
		gocron.NewTask(func() {
			if reclaimed, err := r.queue.Recover(r.config.DeadWorkerThreshold); err != nil {
				r.logger.Error("in-flight sweep failed", "error", err)
			} else if reclaimed > 0 {
				r.logger.Info("in-flight sweep reclaimed jobs", "count", reclaimed)
			}
		}),
	)

	r.scheduler.NewJob(
		gocron.DurationJob(jobPurgeInterval),
		gocron.NewTask(func() {
			if purged, err := r.queue.PurgeDone(jobRetention); err != nil {
				r.logger.Error("finished-job purge failed", "error", err)
			} else if purged > 0 {
				r.logger.Info("purged finished queue jobs", "count", purged)
			}
		}),
	)

	r.scheduler.NewJob(
		gocron.DurationJob(r.config.DedupeTTL),
		gocron.NewTask(func() {
			if removed := r.dedupe.Sweep(); removed > 0 {
				r.logger.Info("dedupe sweep removed expired claims", "count", removed)
			}
		}),
	)

	r.scheduler.NewJob(
		gocron.DurationJob(15*time.Second),
		gocron.NewTask(func() {
			if depth, err := r.queue.Depth(); err == nil {
				r.m.SetPendingDepth(float64(depth))
			}
		}),
	)
}

func (r *Relay) Stop() {
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Error("scheduler shutdown failed", "error", err)
	}

	if err := r.queue.Stop(); err != nil {
		r.logger.Error("queue shutdown failed", "error", err)
	}

	if r.upstream != nil {
		r.upstream.Close()
	}

	if err := r.db.Close(); err != nil {
		r.logger.Error("database close failed", "error", err)
	}

	sentryFlushSafely(2 * time.Second)
}
