// The worker binary runs engine ticks on a cron cadence instead of waiting
// for HTTP triggers. Deployments run either this or the server's tick
// endpoint under an external scheduler; claims keep the two from colliding.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/brokerloop/crm/internal/config"
	"github.com/brokerloop/crm/internal/dispatch"
	"github.com/brokerloop/crm/internal/render"
	"github.com/brokerloop/crm/internal/repository/postgres"
	"github.com/brokerloop/crm/internal/worker"
)

func main() {
	log.Println("BrokerLoop CRM engine worker starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	orch, err := buildOrchestrator(cfg, db)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Engine.TickCron, func() {
		summary := orch.Tick(context.Background())
		log.Printf("[Worker] tick: processed=%d emails=%d sms=%d errors=%d",
			summary.Processed, summary.Emails, summary.SMS, len(summary.Errors))
		for _, e := range summary.Errors {
			log.Printf("[Worker] tick error: %s", e)
		}
	})
	if err != nil {
		log.Fatalf("Invalid tick cron %q: %v", cfg.Engine.TickCron, err)
	}

	c.Start()
	log.Printf("[Worker] %s ticking on %q", orch.WorkerID(), cfg.Engine.TickCron)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[Worker] shutting down...")
	// Stop returns a context that completes once the in-flight tick ends.
	<-c.Stop().Done()
	log.Println("[Worker] stopped")
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

func buildOrchestrator(cfg *config.Config, db *sql.DB) (*worker.Orchestrator, error) {
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
			return nil, fmt.Errorf("bedrock personalizer: %w", err)
		}
		personalizer = p
	case cfg.OpenAI.Enabled:
		personalizer = render.NewOpenAIPersonalizer(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	}
	renderer := render.NewRenderer(personalizer, listings)

	var email dispatch.EmailProvider
	if cfg.SES.Enabled {
		p, err := dispatch.NewSESEmailProvider(ctx, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region, cfg.SES.FromEmail, cfg.SES.FromName)
		if err != nil {
			return nil, fmt.Errorf("ses provider: %w", err)
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
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		throttle = worker.NewRedisThrottle(client)
	}

	return worker.NewOrchestrator(enrollments, campaigns, contacts, audit, renderer, dispatcher, throttle, worker.Options{
		BatchLimit:  cfg.Engine.BatchLimit,
		Workers:     cfg.Engine.Workers,
		TickBudget:  cfg.Engine.TickBudget(),
		RetryOffset: cfg.Engine.RetryOffset(),
		MaxRetries:  cfg.Engine.MaxRetries,
		Location:    cfg.Engine.Location(),
	}), nil
}
