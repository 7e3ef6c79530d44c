package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/brokerloop/crm/internal/api"
	"github.com/brokerloop/crm/internal/config"
	"github.com/brokerloop/crm/internal/dispatch"
	"github.com/brokerloop/crm/internal/render"
	"github.com/brokerloop/crm/internal/repository/postgres"
	"github.com/brokerloop/crm/internal/service/enrollment"
	"github.com/brokerloop/crm/internal/worker"
)

func main() {
	log.Println("BrokerLoop CRM engine server starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	orch, enrollSvc, err := buildEngine(cfg, db)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	handlers := api.NewHandlers(orch, enrollSvc)
	router := api.SetupRoutes(handlers, cfg.Auth.EngineSecret)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Engine.TickBudget() + 30*time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[Server] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
	log.Println("[Server] stopped")
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// buildEngine wires the tick orchestrator and the enrollment service from
// configuration. Providers that are disabled stay nil; the dispatcher and
// renderer degrade gracefully without them.
func buildEngine(cfg *config.Config, db *sql.DB) (*worker.Orchestrator, *enrollment.Service, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	enrollments := postgres.NewEnrollmentRepo(db)
	if cfg.Engine.ClaimLeaseMinutes > 0 {
		enrollments.SetClaimLease(cfg.Engine.ClaimLease())
	}
	campaigns := postgres.NewCampaignRepo(db)
	contacts := postgres.NewContactRepo(db)
	audit := postgres.NewAuditRepo(db)
	listings := postgres.NewListingRepo(db)

	var personalizer render.Personalizer
	switch {
	case cfg.Bedrock.Enabled:
		p, err := render.NewBedrockPersonalizer(ctx, cfg.Bedrock.Region, cfg.Bedrock.ModelID)
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock personalizer: %w", err)
		}
		personalizer = p
		log.Println("[Engine] personalization: bedrock")
	case cfg.OpenAI.Enabled:
		personalizer = render.NewOpenAIPersonalizer(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		log.Println("[Engine] personalization: openai")
	default:
		log.Println("[Engine] personalization disabled, deterministic rendering only")
	}
	renderer := render.NewRenderer(personalizer, listings)

	var email dispatch.EmailProvider
	if cfg.SES.Enabled {
		p, err := dispatch.NewSESEmailProvider(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.FromEmail, cfg.SES.FromName)
		if err != nil {
			return nil, nil, fmt.Errorf("ses provider: %w", err)
		}
		email = p
	}
	var sms dispatch.SMSProvider
	if cfg.Twilio.Enabled {
		sms = dispatch.NewTwilioSMSProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber)
	}
	dispatcher := dispatch.NewDispatcher(email, sms)

	var throttle worker.Throttle = worker.NewLocalThrottle()
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		throttle = worker.NewRedisThrottle(client)
		log.Println("[Engine] throttle: redis")
	}

	orch := worker.NewOrchestrator(enrollments, campaigns, contacts, audit, renderer, dispatcher, throttle, worker.Options{
		BatchLimit:  cfg.Engine.BatchLimit,
		Workers:     cfg.Engine.Workers,
		TickBudget:  cfg.Engine.TickBudget(),
		RetryOffset: cfg.Engine.RetryOffset(),
		MaxRetries:  cfg.Engine.MaxRetries,
		Location:    cfg.Engine.Location(),
	})

	enrollSvc := enrollment.NewService(enrollments, campaigns, audit, cfg.Engine.Location())
	return orch, enrollSvc, nil
}
