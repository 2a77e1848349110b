package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mcsuite/mcs-orchestrator/internal/api"
	"github.com/mcsuite/mcs-orchestrator/internal/checkpoint"
	"github.com/mcsuite/mcs-orchestrator/internal/config"
	"github.com/mcsuite/mcs-orchestrator/internal/graph"
	"github.com/mcsuite/mcs-orchestrator/internal/listener"
	"github.com/mcsuite/mcs-orchestrator/internal/masterdata"
	"github.com/mcsuite/mcs-orchestrator/internal/metrics"
	"github.com/mcsuite/mcs-orchestrator/internal/orchestration"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/distlock"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/httpretry"
	"github.com/mcsuite/mcs-orchestrator/internal/pkg/logger"
	"github.com/mcsuite/mcs-orchestrator/internal/repository/postgres"
	"github.com/mcsuite/mcs-orchestrator/internal/tools"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale/stub processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("MCS Orchestrator: sales-email to ERP order automation")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.App.LogLevel))
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// PostgreSQL
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Database unreachable at %s: %v", extractHost(cfg.Database.DSN), err)
	}
	pingCancel()
	log.Printf("Connected to PostgreSQL at %s", extractHost(cfg.Database.DSN))

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Printf("Redis unreachable at %s: %v (advisory-lock fallback active)", cfg.Redis.Addr, err)
	} else {
		log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
	}

	// Checkpoint store
	var ckpt checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case "memory":
		ckpt = checkpoint.NewMemoryStore()
		log.Println("Checkpoint backend: memory (runs do not survive restarts)")
	default:
		ckpt = checkpoint.NewRedisStore(redisClient, cfg.Checkpoint.TTL())
		log.Printf("Checkpoint backend: durable (ttl %s)", cfg.Checkpoint.TTL())
	}

	// Repositories
	runRepo := postgres.NewRunRepo(db)
	idemRepo := postgres.NewIdempotencyRepo(db)
	msgRepo := postgres.NewMessageRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	// Metrics
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// External clients
	mdClient := masterdata.NewClient(cfg.MasterData.APIURL, cfg.MasterData.APIKey,
		cfg.MasterData.CacheTTL(),
		httpretry.NewRetryClient(&http.Client{Timeout: cfg.MasterData.Timeout()}, 2))

	contractApp := cfg.Dify.App("contract")
	orderApp := cfg.Dify.App("order_payload")
	difyDoer := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Dify.Timeout()}, 2)
	contractFlow := tools.NewDifyClient(contractApp.BaseURL, contractApp.AppKey, cfg.Dify.Timeout(), difyDoer)
	orderFlow := tools.NewDifyClient(orderApp.BaseURL, orderApp.AppKey, cfg.Dify.Timeout(), difyDoer)

	erpClient := tools.NewERPClient(cfg.ERP.BaseURL, cfg.ERP.APIKey, cfg.ERP.TenantID,
		cfg.ERP.Timeout(),
		httpretry.NewRetryClient(&http.Client{Timeout: cfg.ERP.Timeout()}, 2))

	// Blob store
	var blob tools.BlobStore
	if cfg.Blob.Backend == "s3" {
		s3Store, err := tools.NewS3BlobStore(context.Background(), cfg.Blob.S3Bucket,
			cfg.Blob.S3Prefix, cfg.Blob.S3Region, cfg.Blob.PublicBaseURL, cfg.Blob.BaseDir)
		if err != nil {
			log.Fatalf("Failed to initialize S3 blob store: %v", err)
		}
		blob = s3Store
		log.Printf("Blob backend: s3 (bucket %s)", cfg.Blob.S3Bucket)
	} else {
		blob = tools.NewLocalBlobStore(cfg.Blob.BaseDir, cfg.Blob.PublicBaseURL)
		log.Printf("Blob backend: local (%s)", cfg.Blob.BaseDir)
	}

	// Notifier: SES when enabled, SMTP otherwise
	var notifier *tools.Notifier
	if cfg.SES.Enabled {
		sender, err := tools.NewSESSender(context.Background(), cfg.SES.Region,
			cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			log.Fatalf("Failed to initialize SES sender: %v", err)
		}
		notifier = tools.NewNotifier(sender, cfg.SES.From, cfg.SES.SalesTo)
		log.Println("Notifier: SES")
	} else {
		sender := tools.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.User, cfg.SMTP.Password)
		notifier = tools.NewNotifier(sender, cfg.SMTP.From, cfg.SMTP.SalesTo)
		log.Printf("Notifier: SMTP via %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}

	// Graph engine + orchestration service
	engine := graph.NewEngine(graph.Deps{
		Masterdata:       mdClient,
		Contract:         contractFlow,
		OrderFlow:        orderFlow,
		ERP:              erpClient,
		Ledger:           idemRepo,
		Blob:             blob,
		Notifier:         notifier,
		Runs:             runRepo,
		BlobBaseDir:      cfg.Blob.BaseDir,
		SignalPolicy:     cfg.Graph.SignalPolicy,
		ContractKeywords: cfg.Graph.ContractKeywords,
		ScoreThreshold:   cfg.Graph.CustomerScoreMin,
	}, ckpt, auditRepo, m, cfg.Graph.StepTimeout())

	svc := orchestration.NewService(engine, runRepo, idemRepo, ckpt, mdClient, auditRepo, m)

	ctx, cancel := context.WithCancel(context.Background())

	// Channel listeners
	var (
		adapters []listener.Adapter
		webhook  *listener.WebhookAdapter
		sched    *listener.Scheduler
	)
	for _, name := range cfg.Listener.Enabled {
		switch name {
		case "email":
			adapters = append(adapters, listener.NewRestMailAdapter(cfg.Listener.RestMail, nil))
			log.Printf("Listener enabled: email (%s)", cfg.Listener.RestMail.Account)
		case "webhook":
			webhook = listener.NewWebhookAdapter()
			adapters = append(adapters, webhook)
			log.Println("Listener enabled: webhook")
		default:
			log.Printf("Unknown listener %q ignored", name)
		}
	}
	if len(adapters) > 0 {
		locks := func(key string) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, 2*time.Minute)
		}
		sched = listener.NewScheduler(adapters, svc, msgRepo, blob, cfg.Blob.BaseDir,
			cfg.Listener.AllowFrom, cfg.Listener.PollInterval(), locks, m)
		go sched.Start(ctx)
		log.Printf("Listener scheduler started: %d channel(s), sweep every %s",
			len(adapters), cfg.Listener.PollInterval())
	} else {
		log.Println("No listeners enabled; HTTP-only mode")
	}

	var sweeper api.Sweeper
	if sched != nil {
		sweeper = sched
	}
	handlers := api.NewHandlers(svc, sweeper, webhook, db, redisClient, metricsHandler)
	server := api.NewServer(cfg.Server, cfg.Auth, handlers)

	// Graceful shutdown on SIGINT/SIGTERM
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All components initialized; server is ready")

	<-done
	log.Println("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := ckpt.Close(); err != nil {
		log.Printf("Checkpoint store close error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Server stopped")
}
