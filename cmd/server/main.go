package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	admservice "bursary/internal/admission/service"
	admstore "bursary/internal/admission/store"
	dismodels "bursary/internal/disbursement/models"
	disservice "bursary/internal/disbursement/service"
	disstore "bursary/internal/disbursement/store"
	"bursary/internal/ingest"
	"bursary/internal/ledger/alerts"
	ledgermetrics "bursary/internal/ledger/metrics"
	ledgerservice "bursary/internal/ledger/service"
	ledgerstore "bursary/internal/ledger/store"
	"bursary/internal/platform/config"
	"bursary/internal/platform/httpserver"
	"bursary/internal/platform/kafka/consumer"
	"bursary/internal/platform/logger"
	"bursary/internal/platform/middleware"
	"bursary/internal/platform/postgres"
	"bursary/internal/platform/redis"
	seqmetrics "bursary/internal/sequence/metrics"
	seqservice "bursary/internal/sequence/service"
	seqstore "bursary/internal/sequence/store"
	httpapi "bursary/internal/transport/http"
)

// renewalInterval is how often the scheduler re-checks renewable awards for
// the configured academic year.
const renewalInterval = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel)

	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Counter store preference: Redis for its cheap CAS, then Postgres, then
	// memory for local development.
	var counterStore seqstore.Store
	switch {
	case redisClient != nil:
		counterStore = seqstore.NewRedis(redisClient.Client)
		log.Info("sequence counters on redis")
	case db != nil:
		counterStore = seqstore.NewPostgres(db)
		log.Info("sequence counters on postgres")
	default:
		counterStore = seqstore.NewInMemoryStore()
		log.Warn("sequence counters in memory; identifiers reset on restart")
	}

	var (
		ledgerStore ledgerstore.Store
		disStore    disstore.Store
		admStore    admstore.Store
	)
	if db != nil {
		ledgerStore = ledgerstore.NewPostgres(db)
		disStore = disstore.NewPostgres(db)
		admStore = admstore.NewPostgres(db)
	} else {
		log.Warn("no postgres DSN; running on in-memory stores")
		ledgerStore = ledgerstore.NewInMemoryStore()
		disStore = disstore.NewInMemoryStore()
		admStore = admstore.NewInMemoryStore()
	}

	// Alert publisher: Kafka when brokers are configured, otherwise an
	// in-memory sink so the engine still records alerts.
	var publisher alerts.Publisher = alerts.NewMemoryPublisher()
	var producer *kgo.Client
	if len(cfg.Kafka.Seeds) > 0 {
		producer, err = kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Seeds...))
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer producer.Close()
		publisher = alerts.NewKafkaPublisher(producer, cfg.Kafka.AlertTopic)
	}

	allocator, err := seqservice.New(counterStore, log, seqmetrics.New(), seqservice.Options{
		MaxAttempts:           cfg.RetryAttempts,
		AllowDegradedFallback: cfg.AllowDegradedIDs,
	})
	if err != nil {
		return err
	}
	engine, err := ledgerservice.New(ledgerStore, publisher, log, ledgermetrics.New(), ledgerservice.Options{
		MaxAttempts: cfg.RetryAttempts,
	})
	if err != nil {
		return err
	}
	scheduler, err := disservice.New(disStore, engine, recordsUnavailable{}, log, disservice.Options{
		Policy: disservice.RenewalPolicy{
			MinGPA:      cfg.RenewalMinGPA,
			MinStanding: cfg.RenewalMinStanding,
		},
	})
	if err != nil {
		return err
	}
	admissions, err := admservice.New(admStore, allocator, log, admservice.Options{
		Prefix:      cfg.IdentifierPrefix,
		Period:      cfg.AcademicYear,
		MaxAttempts: cfg.RetryAttempts,
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewRouter(httpapi.Services{
		Allocator:  allocator,
		Ledger:     engine,
		Scheduler:  scheduler,
		Admissions: admissions,
	}, httpapi.Options{
		Logger: log,
		Auth:   middleware.NewHS256Validator(cfg.JWTSigningKey),
		Health: func(ctx context.Context) error {
			if db != nil {
				if err := db.PingContext(ctx); err != nil {
					return fmt.Errorf("postgres: %w", err)
				}
			}
			if redisClient != nil {
				if err := redisClient.Health(ctx); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
		DefaultNamespace: cfg.IdentifierPrefix,
		DefaultPeriod:    cfg.AcademicYear,
	})
	server := httpserver.New(cfg.Addr, handler, httpserver.Options{
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	})

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if len(cfg.Kafka.Seeds) > 0 {
		router := ingest.NewRouter(log)
		topics := ingestTopics(cfg.Kafka.Topics)
		ingest.BindHandlers(router, topics, engine, scheduler, admissions, log)
		watcher, err := ingest.NewWatcher(consumer.Config{
			Seeds:  cfg.Kafka.Seeds,
			Group:  cfg.Kafka.Group,
			Topics: cfg.Kafka.Topics,
		}, router, log)
		if err != nil {
			return err
		}
		bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := watcher.EnsureTopics(bootCtx, append(cfg.Kafka.Topics, cfg.Kafka.AlertTopic)...); err != nil {
			cancel()
			return err
		}
		cancel()
		group.Go(func() error {
			log.Info("ingestion watcher running", "topics", cfg.Kafka.Topics, "group", cfg.Kafka.Group)
			return watcher.Run(ctx)
		})
	} else {
		log.Warn("no kafka seeds; ingestion watcher disabled")
	}

	group.Go(func() error {
		ticker := time.NewTicker(renewalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := scheduler.RenewForPeriod(ctx, cfg.AcademicYear); err != nil {
					log.Error("renewal sweep failed", "period", cfg.AcademicYear, "error", err)
				}
			}
		}
	})

	err = group.Wait()
	log.Info("shutdown complete")
	return err
}

// ingestTopics maps the configured topic list onto the source collections in
// order: procurement, transfer, payroll, scholarship, applications.
func ingestTopics(topics []string) ingest.Topics {
	t := ingest.Topics{
		Procurement:  "procurement_approvals",
		Transfer:     "transfer_approvals",
		Payroll:      "payroll_postings",
		Scholarship:  "scholarship_disbursements",
		Applications: "application_events",
	}
	if len(topics) == 5 {
		t = ingest.Topics{
			Procurement:  topics[0],
			Transfer:     topics[1],
			Payroll:      topics[2],
			Scholarship:  topics[3],
			Applications: topics[4],
		}
	}
	return t
}

// recordsUnavailable is the eligibility source until the academic-records
// integration lands: every check errors, so renewals are held for manual
// review instead of silently auto-approved.
// TODO: replace with the student-records client once its API is published.
type recordsUnavailable struct{}

func (recordsUnavailable) Check(context.Context, string) (dismodels.Eligibility, error) {
	return dismodels.Eligibility{}, errors.New("academic records integration not configured")
}
