package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/predicta/internal/blob/s3"
	"github.com/alanyoungcy/predicta/internal/cache/redis"
	"github.com/alanyoungcy/predicta/internal/channel"
	"github.com/alanyoungcy/predicta/internal/clearnode"
	"github.com/alanyoungcy/predicta/internal/clearnode/rpc"
	"github.com/alanyoungcy/predicta/internal/config"
	"github.com/alanyoungcy/predicta/internal/crypto"
	"github.com/alanyoungcy/predicta/internal/domain"
	"github.com/alanyoungcy/predicta/internal/ledger/custody"
	"github.com/alanyoungcy/predicta/internal/ledger/market"
	"github.com/alanyoungcy/predicta/internal/notify"
	"github.com/alanyoungcy/predicta/internal/server/handler"
	"github.com/alanyoungcy/predicta/internal/service"
	"github.com/alanyoungcy/predicta/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional backends
// are nil when disabled in the configuration.
type Dependencies struct {
	Wallet      *crypto.Signer
	Session     *clearnode.Session
	Supervisor  *sessionSupervisor
	Ledger      *custody.Client
	Deployment  custody.Deployment
	Coordinator *channel.Coordinator
	Journal     *service.ChannelJournal
	Quotes      *service.QuoteService

	// Stores
	ChannelStore domain.ChannelStore
	AuditStore   domain.AuditStore

	// Redis
	EventBus    domain.EventBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	Archive domain.SettlementArchive

	// Notifications
	Notifier *notify.Notifier

	// Checks backs the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Wallet ---
	wallet, err := crypto.LoadSigner(crypto.KeyConfig{
		PrivateKey:  cfg.Wallet.PrivateKey,
		KeyFile:     cfg.Wallet.EncryptedKeyPath,
		KeyPassword: cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: wallet: %w", err))
	}
	deps.Wallet = wallet

	// --- Chain ---
	chainID := uint64(cfg.Chain.ChainID)
	deployment, err := custody.DeploymentFor(chainID, cfg.Chain.CustodyAddress, cfg.Chain.AdjudicatorAddress)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Deployment = deployment

	eth, err := custody.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, eth.Close)
	deps.Checks["chain"] = func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}

	deps.Ledger = custody.NewClient(eth, wallet, custody.Config{
		ChainID:        chainID,
		Custody:        deployment.Custody,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		GasMargin:      uint64(cfg.Chain.GasMargin),
	}, logger)
	deps.Quotes = newQuoteService(eth, cfg, logger)

	// --- Clearnode session ---
	deps.Session = clearnode.NewSession(clearnode.Config{
		URL:            cfg.Clearnode.URL,
		ConnectTimeout: cfg.Clearnode.ConnectTimeout.Duration,
		StepTimeout:    cfg.Clearnode.StepTimeout.Duration,
		SessionTTL:     cfg.Clearnode.SessionTTL.Duration,
		DedupTTL:       cfg.Clearnode.DedupTTL.Duration,
	}, clearnode.WSDialer{HandshakeTimeout: cfg.Clearnode.ConnectTimeout.Duration}, logger)
	closers = append(closers, func() { _ = deps.Session.Disconnect() })
	deps.Checks["clearnode"] = func(context.Context) error {
		if st := deps.Session.State(); st != domain.AuthAuthenticated {
			return fmt.Errorf("session %s: %w", st, domain.ErrNotAuthenticated)
		}
		return nil
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.ChannelStore = postgres.NewChannelStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pool.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.EventBus = redis.NewEventBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 settlement archive (indexes into the postgres audit log) ---
	if cfg.S3.Enabled && deps.AuditStore != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewSettlementArchive(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.AuditStore)
	}

	// --- Notifications ---
	deps.Notifier = notify.NewNotifier(buildSenders(cfg.Notify), cfg.Notify.Events, logger)

	// --- Coordinator ---
	deps.Coordinator = channel.New(deps.Session, deps.Ledger, wallet.Address(), channel.Config{
		ChainID:         chainID,
		Token:           common.HexToAddress(cfg.Chain.Token),
		ResponseTimeout: cfg.Coordinator.ResponseTimeout.Duration,
		Funding: channel.RetryPolicy{
			Attempts: cfg.Coordinator.FundingAttempts,
			Interval: cfg.Coordinator.FundingInterval.Duration,
		},
		LockTTL: cfg.Coordinator.LockTTL.Duration,
	}, logger)
	if deps.LockManager != nil {
		deps.Coordinator.SetLockManager(deps.LockManager)
	}
	deps.Journal = service.NewChannelJournal(
		deps.ChannelStore, deps.AuditStore, deps.EventBus, deps.Notifier, deps.Archive, logger,
	)
	deps.Coordinator.SetObserver(deps.Journal)

	deps.Supervisor = newSessionSupervisor(deps.Session, wallet, authParams(cfg.Clearnode), deps.EventBus, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("wallet", wallet.Address().Hex()),
		slog.Uint64("chain_id", chainID),
		slog.String("custody", deployment.Custody.Hex()),
		slog.String("adjudicator", deployment.Adjudicator.Hex()),
		slog.Bool("postgres", deps.ChannelStore != nil),
		slog.Bool("redis", deps.EventBus != nil),
		slog.Bool("s3", deps.Archive != nil),
	)
	return deps, cleanup, nil
}

// authParams converts the configured session scope and allowances.
func authParams(cfg config.ClearnodeConfig) clearnode.AuthParams {
	p := clearnode.AuthParams{
		Application: cfg.Application,
		Scope:       cfg.Scope,
	}
	for _, a := range cfg.Allowances {
		p.Allowances = append(p.Allowances, rpc.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return p
}

// buildSenders returns a sender per configured chat service.
func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID, ""))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return senders
}

func newQuoteService(eth *ethclient.Client, cfg *config.Config, logger *slog.Logger) *service.QuoteService {
	return service.NewQuoteService(market.NewReader(eth, cfg.Chain.MarketLiquidity, logger), logger)
}
