package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/ticketflow/config"
	rdslock "github.com/3rs4lg4d0/ticketflow/lock/redis"
	tfzap "github.com/3rs4lg4d0/ticketflow/logger/zap"
	tfzrlg "github.com/3rs4lg4d0/ticketflow/logger/zerolog"
	tfprom "github.com/3rs4lg4d0/ticketflow/metrics/prometheus"
	tftally "github.com/3rs4lg4d0/ticketflow/metrics/tally"
	"github.com/3rs4lg4d0/ticketflow/outbox"
	tfkfk "github.com/3rs4lg4d0/ticketflow/publisher/kafka"
	"github.com/3rs4lg4d0/ticketflow/publisher/rabbitmq"
	tfgorm "github.com/3rs4lg4d0/ticketflow/repository/gorm"
	"github.com/3rs4lg4d0/ticketflow/repository/pgxv5"
	tfsql "github.com/3rs4lg4d0/ticketflow/repository/sql"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	tally "github.com/uber-go/tally/v4"
	promreporter "github.com/uber-go/tally/v4/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// txKey is the context key of the business transactions. The dispatcher
// never opens one, but the repository requires a key.
type txKey struct{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := newLogger(cfg.Logger, os.Stdout)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("creating the database pool: %w", err)
	}
	defer pool.Close()

	repository, closeRepository, err := newRepository(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeRepository()

	locker, closeLocker, err := newLocker(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, closePublisher, err := newPublisher(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	counters, metricsHandler, closeMetrics := newCounters(cfg.Metrics.Backend)
	defer closeMetrics()
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, metricsHandler, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:all
		}()
	}

	ob := outbox.New(cfg.OutboxSettings(), repository, publisher, locker,
		outbox.WithLogger(logger),
		outbox.WithOnSuccessCounter(counters.published),
		outbox.WithOnErrorCounter(counters.failed),
		outbox.WithOnReplayCounter(counters.replayed),
		outbox.WithOnLockDeniedCounter(counters.lockDenied),
	)

	logger.Info(fmt.Sprintf("dispatcher started (repository=%s, bus=%s, lock=%s)", cfg.Outbox.Repository, cfg.Bus.Kind, cfg.Lock.Backend))
	ob.Run(ctx)
	logger.Info("dispatcher stopped")
	return nil
}

func newLogger(cfg config.LoggerConfig, w io.Writer) (outbox.Logger, error) {
	if cfg.Backend == config.LogZap {
		l, err := tfzap.New(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("building the zap logger: %w", err)
		}
		return l, nil
	}
	return tfzrlg.New(w, cfg.Level, cfg.Format == "console"), nil
}

// newRepository builds the outbox repository of the chosen backend. The
// pgx pool is shared with the advisory locker, the other backends open their
// own connections.
func newRepository(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (outbox.Repository, func(), error) {
	switch cfg.Outbox.Repository {
	case config.RepositoryGorm:
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening the gorm connection: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("opening the gorm connection: %w", err)
		}
		return tfgorm.New(txKey{}, db), func() { sqlDB.Close() }, nil //nolint:all
	case config.RepositorySQL:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening the database connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close() //nolint:all
			return nil, nil, fmt.Errorf("connecting to the database: %w", err)
		}
		return tfsql.New(txKey{}, db), func() { db.Close() }, nil //nolint:all
	default:
		return pgxv5.New(txKey{}, pool), func() {}, nil
	}
}

func newLocker(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (outbox.Locker, func(), error) {
	if cfg.Lock.Backend != config.LockRedis {
		return pgxv5.NewAdvisoryLocker(pool, cfg.Outbox.LockKey), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:all
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	locker := rdslock.NewLocker(client, rdslock.KeyFor(cfg.Outbox.LockKey), cfg.Lock.TTL)
	return locker, func() { client.Close() }, nil //nolint:all
}

func newPublisher(ctx context.Context, cfg config.BusConfig, logger outbox.Logger) (outbox.Publisher, func(), error) {
	if cfg.Kind == config.BusKafka {
		return newKafkaPublisher(ctx, cfg, logger)
	}

	session := rabbitmq.NewSession(cfg.AMQPURL)
	session.SetLogger(logger)
	ch, err := session.Channel()
	if err != nil {
		return nil, nil, err
	}
	topology := rabbitmq.Topology{Exchange: cfg.Exchange, Queues: cfg.Queues, Binding: cfg.Binding}
	if err := topology.Declare(ch, logger); err != nil {
		session.Close() //nolint:all
		return nil, nil, err
	}
	closeSession := func() {
		if err := session.Close(); err != nil {
			logger.Error("closing the AMQP session", err)
		}
	}
	return rabbitmq.New(session, cfg.Exchange), closeSession, nil
}

func newKafkaPublisher(ctx context.Context, cfg config.BusConfig, logger outbox.Logger) (outbox.Publisher, func(), error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBrokers,
		"acks":               -1,
		"enable.idempotence": true,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating the kafka producer: %w", err)
	}
	go func() {
		for ev := range producer.Events() {
			if kerr, ok := ev.(kafka.Error); ok {
				logger.Error("kafka producer error", kerr)
			}
		}
	}()

	admin, err := kafka.NewAdminClientFromProducer(producer)
	if err != nil {
		producer.Close()
		return nil, nil, fmt.Errorf("creating the kafka admin client: %w", err)
	}
	defer admin.Close()
	if err := (tfkfk.Topics{Prefix: cfg.TopicPrefix}).Declare(ctx, admin, logger); err != nil {
		producer.Close()
		return nil, nil, err
	}

	closeProducer := func() {
		producer.Flush(5000)
		producer.Close()
	}
	return tfkfk.New(producer, cfg.TopicPrefix), closeProducer, nil
}

type counterSet struct {
	published, failed, replayed, lockDenied outbox.Counter
}

// newCounters builds the dispatcher counters of the chosen backend. Both
// backends are exposed through the same Prometheus handler.
func newCounters(backend string) (counterSet, http.Handler, func()) {
	if backend == config.MetricsTally {
		reporter := promreporter.NewReporter(promreporter.Options{})
		scope, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix:         "ticketflow",
			CachedReporter: reporter,
			Separator:      promreporter.DefaultSeparator,
		}, time.Second)
		c := tftally.NewCounters(scope)
		return counterSet{c.Published, c.Failed, c.Replayed, c.LockDenied}, reporter.HTTPHandler(), func() { closer.Close() } //nolint:all
	}

	reg := prometheus.NewRegistry()
	c := tfprom.NewCounters(reg, "ticketflow")
	return counterSet{c.Published, c.Failed, c.Replayed, c.LockDenied}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), func() {}
}

func serveMetrics(addr string, handler http.Handler, logger outbox.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serving metrics", err)
		}
	}()
	return srv
}
