package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"maskgate/internal/anchor"
	"maskgate/internal/anchor/ledger"
	httpapi "maskgate/internal/http"
	jwttoken "maskgate/internal/jwt_token"
	"maskgate/internal/keys"
	"maskgate/internal/notify"
	"maskgate/internal/platform/config"
	"maskgate/internal/platform/httpserver"
	"maskgate/internal/platform/kafka"
	kafkaconsumer "maskgate/internal/platform/kafka/consumer"
	"maskgate/internal/platform/kafka/producer"
	"maskgate/internal/platform/logger"
	"maskgate/internal/platform/metrics"
	redisclient "maskgate/internal/platform/redis"
	"maskgate/internal/platform/retry"
	"maskgate/internal/schema"
	"maskgate/internal/signature"
	warranthandler "maskgate/internal/warrant/handler"
	warrantmetrics "maskgate/internal/warrant/metrics"
	"maskgate/internal/warrant/service"
	"maskgate/internal/warrant/store"
	"maskgate/pkg/platform/audit"
	auditconsumer "maskgate/pkg/platform/audit/consumer"
	"maskgate/pkg/platform/audit/publishers/compliance"
	"maskgate/pkg/platform/audit/publishers/ops"
	"maskgate/pkg/platform/audit/publishers/security"
	auditmemory "maskgate/pkg/platform/audit/store/memory"
	auditpostgres "maskgate/pkg/platform/audit/store/postgres"
	auditworker "maskgate/pkg/platform/audit/worker"
	"maskgate/pkg/platform/circuit"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("maskgate stopped", "error", err)
		os.Exit(1)
	}
}

// infra holds the connections shared by several components. Any of them may
// be nil when the matching backend is not configured.
type infra struct {
	db       *sql.DB
	pool     *pgxpool.Pool
	redis    *redisclient.Client
	producer *producer.Producer
}

func (i *infra) close() {
	if i.producer != nil {
		i.producer.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.pool != nil {
		i.pool.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	inf, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer inf.close()

	keyring, err := loadKeyring(cfg.Controller, log)
	if err != nil {
		return err
	}

	records, archive, err := buildStores(cfg, inf)
	if err != nil {
		return err
	}

	gateway, err := buildGateway(cfg.Ledger, log)
	if err != nil {
		return err
	}
	defer gateway.Close()

	auditStore := audit.Store(auditmemory.NewInMemoryStore())
	if inf.db != nil {
		auditStore = auditpostgres.New(inf.db)
	}
	compliancePublisher, err := compliance.New(auditStore,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	if err != nil {
		return fmt.Errorf("compliance publisher: %w", err)
	}
	defer compliancePublisher.Close()
	securityPublisher := security.New(auditStore, security.WithLogger(log))
	defer securityPublisher.Close()
	opsTracker := ops.New(auditStore,
		ops.WithSampler(ops.NewSampler(0.1)),
		ops.WithBreaker(circuit.New("audit-ops")),
		ops.WithMetrics(ops.NewMetrics()),
		ops.WithLogger(log),
	)

	notifier, err := buildNotifier(cfg, inf, log)
	if err != nil {
		return err
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithAuditPublisher(compliancePublisher),
		service.WithSecurityAuditor(securityPublisher),
		service.WithOpsTracker(opsTracker),
		service.WithNotifier(notifier),
		service.WithMetrics(warrantmetrics.New()),
		service.WithTracer(otel.Tracer("maskgate/warrant")),
		service.WithValidator(schema.New(schema.WithAudience(cfg.WarrantAudience))),
		service.WithProcessingPolicy(retry.Policy{
			MaxAttempts: cfg.ProcessingMaxAttempts,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      0.2,
		}),
	}
	if inf.db != nil {
		opts = append(opts, service.WithTransactor(newWarrantPostgresTx(inf.db).Run))
	}

	warrants, err := service.New(records, archive, gateway, signature.NewVerifier(keyring), keyring,
		service.Config{
			ControllerDID: cfg.Controller.DID,
			TagKey:        cfg.Controller.TagKey,
			SigningKeyID:  cfg.Controller.SigningKeyID,
		},
		opts...,
	)
	if err != nil {
		return err
	}

	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	router := httpapi.NewRouter(httpapi.Deps{
		Warrants:      warranthandler.New(warrants, log),
		Tokens:        jwttoken.NewJWTServiceAdapter(tokens),
		Security:      securityPublisher,
		Logger:        log,
		Metrics:       metrics.New(),
		ExposeMetrics: true,
	})
	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting maskgate", "addr", cfg.Addr, "record_store", cfg.RecordStore, "kafka", cfg.Kafka.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	if err := startAuditPipeline(gctx, g, cfg.Kafka, inf, log); err != nil {
		return err
	}
	return g.Wait()
}

func connect(ctx context.Context, cfg config.Server, log *slog.Logger) (*infra, error) {
	inf := &infra{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		inf.db = db
		if err := db.PingContext(ctx); err != nil {
			inf.close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		for _, ddl := range []string{store.Schema, auditpostgres.Schema} {
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				inf.close()
				return nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			inf.close()
			return nil, fmt.Errorf("open pgx pool: %w", err)
		}
		inf.pool = pool
		log.Info("postgres connected")
	}

	rc, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		inf.close()
		return nil, err
	}
	inf.redis = rc

	if cfg.Kafka.Enabled() {
		if err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers,
			kafka.TopicSpec{Name: cfg.Kafka.ReceiptTopic},
			kafka.TopicSpec{Name: auditTopic(cfg.Kafka, audit.CategoryCompliance)},
			kafka.TopicSpec{Name: auditTopic(cfg.Kafka, audit.CategorySecurity)},
			kafka.TopicSpec{Name: auditTopic(cfg.Kafka, audit.CategoryOperations)},
		); err != nil {
			inf.close()
			return nil, err
		}
		p, err := producer.New(cfg.Kafka.Brokers, producer.WithLogger(log))
		if err != nil {
			inf.close()
			return nil, err
		}
		inf.producer = p
	}
	return inf, nil
}

func loadKeyring(cfg config.ControllerConfig, log *slog.Logger) (*keys.Keyring, error) {
	if cfg.KeyringFile != "" {
		k, err := keys.LoadFile(cfg.KeyringFile)
		if err != nil {
			return nil, fmt.Errorf("load keyring: %w", err)
		}
		return k, nil
	}
	k := keys.NewKeyring()
	if _, err := k.Generate(cfg.SigningKeyID, signature.AlgEd25519); err != nil {
		return nil, err
	}
	log.Warn("KEYRING_FILE not set, using an ephemeral controller key", "key_id", cfg.SigningKeyID)
	return k, nil
}

func buildStores(cfg config.Server, inf *infra) (service.RecordStore, service.DocumentArchive, error) {
	var archive service.DocumentArchive = store.NewInMemoryArchive()
	if inf.pool != nil {
		archive = store.NewPostgresArchive(inf.pool)
	}

	switch cfg.RecordStore {
	case config.StorePostgres:
		return store.NewPostgresRecords(inf.db), archive, nil
	case config.StoreRedis:
		if inf.redis == nil {
			return nil, nil, errors.New("redis record store is not connected")
		}
		return store.NewRedisRecords(inf.redis.Client), archive, nil
	default:
		return store.NewInMemoryRecords(), archive, nil
	}
}

func buildGateway(cfg config.LedgerConfig, log *slog.Logger) (*anchor.Gateway, error) {
	var client anchor.Ledger = ledger.NewMemory()
	if cfg.URL != "" {
		c, err := ledger.NewHTTPClient(cfg.URL, cfg.APIKey, nil)
		if err != nil {
			return nil, err
		}
		client = c
	} else {
		log.Warn("LEDGER_URL not set, anchoring to the in-memory ledger")
	}

	policy := retry.LedgerPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.BaseDelay = cfg.BaseDelay

	return anchor.New(client,
		anchor.WithAccounts(cfg.Accounts...),
		anchor.WithPolicy(policy),
		anchor.WithCallTimeout(cfg.CallTimeout),
		anchor.WithBreaker(circuit.New("ledger")),
		anchor.WithMetrics(anchor.NewMetrics()),
		anchor.WithLogger(log),
		anchor.WithTracer(otel.Tracer("maskgate/anchor")),
	), nil
}

func buildNotifier(cfg config.Server, inf *infra, log *slog.Logger) (*notify.Fanout, error) {
	var sinks []notify.Sink
	if cfg.Webhook.URL != "" {
		hook, err := notify.NewWebhook(cfg.Webhook.URL, []byte(cfg.Webhook.Secret))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "webhook", Notifier: hook})
	}
	if inf.producer != nil {
		feed, err := notify.NewReceiptFeed(inf.producer, cfg.Kafka.ReceiptTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, notify.Sink{Name: "receipt_feed", Notifier: feed})
	}
	return notify.NewFanout(sinks, notify.WithLogger(log), notify.WithMetrics(notify.NewMetrics())), nil
}

func auditTopic(cfg config.KafkaConfig, category audit.EventCategory) string {
	return cfg.AuditTopic + "." + string(category)
}

// startAuditPipeline relays the outbox to Kafka and materializes the audit
// topics back into postgres. Both need postgres and Kafka.
func startAuditPipeline(ctx context.Context, g *errgroup.Group, cfg config.KafkaConfig, inf *infra, log *slog.Logger) error {
	if inf.db == nil || inf.producer == nil {
		return nil
	}

	relay, err := auditworker.NewOutboxRelay(inf.db, inf.producer, auditworker.Topics{
		Default: auditTopic(cfg, audit.CategoryOperations),
		ByCategory: map[audit.EventCategory]string{
			audit.CategoryCompliance: auditTopic(cfg, audit.CategoryCompliance),
			audit.CategorySecurity:   auditTopic(cfg, audit.CategorySecurity),
		},
	}, auditworker.WithLogger(log))
	if err != nil {
		return err
	}

	auditStore := auditpostgres.New(inf.db)
	router := auditconsumer.NewRouter(log, nil)
	router.Register(auditTopic(cfg, audit.CategoryCompliance), auditconsumer.NewComplianceHandler(auditStore, log))
	router.Register(auditTopic(cfg, audit.CategorySecurity), auditconsumer.NewSecurityHandler(auditStore, log))
	router.Register(auditTopic(cfg, audit.CategoryOperations), auditconsumer.NewOpsHandler(auditStore, log))
	c, err := kafkaconsumer.New(cfg.Brokers, cfg.ConsumerGroup, router.Topics(), router, kafkaconsumer.WithLogger(log))
	if err != nil {
		return err
	}

	g.Go(func() error { return untilCanceled(relay.Run(ctx)) })
	g.Go(func() error { return untilCanceled(c.Run(ctx)) })
	return nil
}

// untilCanceled treats a worker stopping on shutdown as a clean exit.
func untilCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
