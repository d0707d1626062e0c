// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
	"github.com/rovshanmuradov/allowance-bot/internal/config"
	"github.com/rovshanmuradov/allowance-bot/internal/events"
	"github.com/rovshanmuradov/allowance-bot/internal/intent"
	"github.com/rovshanmuradov/allowance-bot/internal/oracle"
	"github.com/rovshanmuradov/allowance-bot/internal/quote"
	"github.com/rovshanmuradov/allowance-bot/internal/relay"
	"github.com/rovshanmuradov/allowance-bot/internal/settlement"
	"github.com/rovshanmuradov/allowance-bot/internal/signing"
	"github.com/rovshanmuradov/allowance-bot/internal/task"
	"github.com/rovshanmuradov/allowance-bot/internal/utils/metrics"
	"github.com/rovshanmuradov/allowance-bot/internal/wallet"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrNoSigner is returned by settle when neither a key nor a signers file
// is configured.
var ErrNoSigner = errors.New("no signing key configured")

// Runner wires configuration into a settlement pipeline and owns the
// long-lived pieces: event bus, metrics and the optional metrics server.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	signer   *wallet.SignerContext
	bus      *events.Bus
	metrics  *metrics.Collector
	relay    *relay.Client
	prices   *oracle.PriceOracle
	balances *oracle.NearRPC
	tasks    *task.Manager
	pipeline *settlement.Pipeline
	batch    *settlement.Runner
	shutdown *ShutdownHandler
	server   *http.Server
}

// NewRunner собирает все компоненты из конфигурации
func NewRunner(cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		signer:   signer,
		bus:      events.NewBus(logger, events.DefaultBufferSize),
		metrics:  metrics.NewCollector(),
		relay:    relay.NewClient(cfg.RelayURL, cfg.RequestTimeout(), logger),
		prices:   oracle.NewPriceOracle(cfg.CoinbaseURL, cfg.CoingeckoURL, cfg.RequestTimeout(), uint(cfg.QuoteRetries), logger),
		balances: oracle.NewNearRPC(cfg.NearRPCURL, cfg.RequestTimeout(), uint(cfg.QuoteRetries), logger),
		tasks:    task.NewManager(logger),
		shutdown: NewShutdownHandler(logger, defaultShutdownTimeout),
	}
	r.metrics.Attach(r.bus)

	solver := allocation.NewSolver(logger, allocation.Options{
		DiversityFactor: cfg.DiversityFactor,
		MaxAttempts:     cfg.MaxAttempts,
		Workers:         cfg.SolverWorkers,
	}, nil)

	aggregator := quote.NewAggregator(r.relay, cfg.AssetTable(), quote.Config{
		Workers:       cfg.QuoteWorkers,
		MinDeadlineMS: cfg.QuoteMinDeadlineMS,
		Retries:       uint(cfg.QuoteRetries),
	}, logger)
	aggregator.SetObserver(r.metrics)

	deps := settlement.Deps{
		Planner: solver,
		Quoter:  aggregator,
		Builder: intent.NewBuilder(intent.Config{
			VerifyingContract: cfg.VerifyingContract,
			Referral:          cfg.ReferralAccount,
			Window:            cfg.SettlementWindow(),
		}, logger),
		Publisher: r.relay,
		Bus:       r.bus,
	}
	if signer != nil {
		svc, err := signing.NewService(signer, logger)
		if err != nil {
			return nil, err
		}
		deps.Signer = svc
	}

	r.pipeline = settlement.NewPipeline(deps, cfg.Coin(), logger)
	r.batch = settlement.NewRunner(r.pipeline, cfg.RequestWorkers, logger)

	// Closed in reverse: the bus drains before metrics unsubscribe.
	r.shutdown.AddFunc("metrics", func() error {
		r.metrics.Detach()
		return nil
	})
	r.shutdown.AddFunc("event_bus", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return r.bus.Shutdown(ctx)
	})
	return r, nil
}

// loadSigner picks the signing key: a signers file wins over an inline key.
// Neither is an error only for dry runs, so nil is returned.
func loadSigner(cfg *config.Config) (*wallet.SignerContext, error) {
	if cfg.SignersFile != "" {
		signers, err := wallet.LoadSigners(cfg.SignersFile)
		if err != nil {
			return nil, fmt.Errorf("load signers: %w", err)
		}
		return wallet.Select(signers, cfg.AccountID)
	}
	if cfg.PrivateKey == "" {
		return nil, nil
	}
	return wallet.NewSignerContext(cfg.AccountID, cfg.PrivateKey, cfg.PublicKey)
}

func (r *Runner) Signer() *wallet.SignerContext {
	return r.signer
}

func (r *Runner) Metrics() *metrics.Collector {
	return r.metrics
}

func (r *Runner) Prices() *oracle.PriceOracle {
	return r.prices
}

func (r *Runner) Balances() *oracle.NearRPC {
	return r.balances
}

// StartMetrics serves /metrics on addr until Close. The listener is bound
// before returning so the caller sees address errors.
func (r *Runner) StartMetrics(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	r.shutdown.AddFunc("metrics_server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return r.server.Shutdown(ctx)
	})

	r.logger.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// LoadRequests reads the tasks file and resolves every task into a
// pipeline request. Tasks that cannot be resolved are skipped.
func (r *Runner) LoadRequests(ctx context.Context, path string) ([]settlement.Request, error) {
	tasks, err := r.tasks.LoadTasksYAML(path, r.cfg.Coin())
	if err != nil {
		return nil, err
	}
	r.logger.Info(fmt.Sprintf("📋 Loaded %d settlement tasks", len(tasks)))

	account := r.cfg.AccountID
	if r.signer != nil {
		account = r.signer.AccountID
	}

	reqs := make([]settlement.Request, 0, len(tasks))
	for _, t := range tasks {
		req, err := t.Resolve(ctx, account, r.prices, r.balances)
		if err != nil {
			r.logger.Warn("Skipping task", zap.String("task_name", t.TaskName), zap.Error(err))
			continue
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no task in %s could be resolved", path)
	}
	return reqs, nil
}

// Run drives every request through the pipeline in mode.
func (r *Runner) Run(ctx context.Context, mode settlement.Mode, reqs []settlement.Request) ([]settlement.Outcome, error) {
	if mode == settlement.ModeSettle && r.signer == nil {
		return nil, ErrNoSigner
	}
	r.logger.Info(fmt.Sprintf("🚀 Starting %s run", mode),
		zap.Int("requests", len(reqs)),
		zap.Int("workers", r.cfg.RequestWorkers))

	outcomes := r.batch.Run(ctx, mode, reqs)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	r.logger.Info("✅ Run finished",
		zap.Int("succeeded", len(outcomes)-failed),
		zap.Int("failed", failed))
	return outcomes, nil
}

// Close drains the event bus and stops the metrics server.
func (r *Runner) Close(ctx context.Context) error {
	return r.shutdown.Shutdown(ctx)
}
