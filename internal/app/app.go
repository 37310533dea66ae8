package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sol-custody/internal/admin"
	"sol-custody/internal/alerting"
	"sol-custody/internal/config"
	"sol-custody/internal/deposit"
	"sol-custody/internal/fingerprint"
	"sol-custody/internal/ledger"
	"sol-custody/internal/poller"
	"sol-custody/internal/rates"
	"sol-custody/internal/scheduler"
	"sol-custody/internal/storage"
	"sol-custody/internal/withdraw"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newLedgerClient() (*ledger.SolanaClient, error) {
	return ledger.NewSolanaClient(ledger.SolanaOptions{
		Endpoint:      a.Config.Solana.RPCURL,
		WalletAddress: a.Config.Solana.WalletAddress,
		PrivateKey:    a.Config.Solana.WalletPrivateKey,
		Timeout:       a.Config.Solana.RequestTimeout,
		MaxRetries:    a.Config.Solana.MaxRetries,
		RetryBackoff:  a.Config.Solana.RetryBackoff,
	}, a.Logger)
}

func (a *App) newRates() *rates.Service {
	sources := rates.NewHTTPSources(rates.HTTPOptions{
		CoinGeckoURL: a.Config.Price.CoinGeckoURL,
		BinanceURL:   a.Config.Price.BinanceURL,
		JupiterURL:   a.Config.Price.JupiterURL,
		Timeout:      a.Config.Price.RequestTimeout,
		UserAgent:    a.Config.Price.UserAgent,
	})
	return rates.NewService(sources, rates.Options{
		CacheTTL: a.Config.Price.CacheTTL,
		MaxStale: a.Config.Price.MaxStale,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NoopNotifier{}
}

func (a *App) newFingerprinter() *fingerprint.Fingerprinter {
	return fingerprint.New(fingerprint.Options{
		MinSOL:    decimal.NewFromFloat(a.Config.Deposits.MinSOL),
		BufferPct: decimal.NewFromFloat(a.Config.Deposits.BufferPct),
		Attempts:  a.Config.Deposits.FingerprintAttempts,
	})
}

func (a *App) withdrawalOptions() withdraw.Options {
	return withdraw.Options{
		Enabled:       a.Config.Withdrawals.Enabled,
		MinUSD:        decimal.NewFromFloat(a.Config.Withdrawals.MinUSD),
		MaxUSD:        decimal.NewFromFloat(a.Config.Withdrawals.MaxUSD),
		FeePct:        decimal.NewFromFloat(a.Config.Withdrawals.FeePct),
		MaxPerDay:     a.Config.Withdrawals.MaxPerDay,
		FeeReserveSOL: decimal.NewFromFloat(a.Config.Withdrawals.FeeReserveSOL),
	}
}

func (a *App) newAdminServer(store *storage.Store, deposits *deposit.Service, withdrawals *withdraw.Processor, prices *rates.Service) *admin.Server {
	if !a.Config.Admin.Enabled {
		return nil
	}
	handler := admin.NewHandler(deposits, withdrawals, store, store, prices, a.Logger)
	return admin.NewServer(handler, admin.Options{ListenAddr: a.Config.Admin.ListenAddr}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running custody service: the deposit poller, the
// withdrawal reconciler, and the local admin socket if enabled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx, a.Config.Database.MigrationsPath); err != nil {
		return err
	}

	chain, err := a.newLedgerClient()
	if err != nil {
		return err
	}

	notifier := a.newNotifier()
	prices := a.newRates()

	depositSvc := deposit.NewService(store, prices, a.newFingerprinter(), deposit.Options{
		WalletAddress: a.Config.Solana.WalletAddress,
		Expiry:        a.Config.Deposits.Expiry,
	}, a.Logger)
	matcher := deposit.NewMatcher(store, notifier, a.Logger)

	processor := withdraw.NewProcessor(store, chain, prices, notifier, a.withdrawalOptions(), a.Logger)
	reconciler := withdraw.NewReconciler(store, chain, notifier, withdraw.ReconcilerOptions{
		Grace:  a.Config.Withdrawals.ReconcileGrace,
		Cutoff: a.Config.Withdrawals.ReconcileCutoff,
	}, a.Logger)

	poll := poller.New(store, store, store, chain, matcher, reconciler, poller.Options{
		AdvisoryLockKey: a.Config.Poller.AdvisoryLockKey,
		SignatureLimit:  a.Config.Poller.SignatureLimit,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Poller.Interval,
		StartupDelay: a.Config.Poller.StartupDelay,
	}, a.Logger)

	adminErr := make(chan error, 1)
	adminSrv := a.newAdminServer(store, depositSvc, processor, prices)
	if adminSrv != nil {
		go func() {
			adminErr <- adminSrv.Serve(ctx)
		}()
	}

	a.Logger.Info().
		Str("wallet", a.Config.Solana.WalletAddress).
		Dur("interval", a.Config.Poller.Interval).
		Msg("starting custody service")

	err = sched.Run(ctx, poll.Tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("custody service terminated with error")
		return err
	}

	if adminSrv != nil {
		if serveErr := <-adminErr; serveErr != nil && !errors.Is(serveErr, context.Canceled) {
			return serveErr
		}
	}

	a.Logger.Info().Msg("custody service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the balance audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
