package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/RM0420/GoalGuard-sub000/lib/logger"
	"github.com/RM0420/GoalGuard-sub000/queue"
	"github.com/RM0420/GoalGuard-sub000/server"
	"github.com/RM0420/GoalGuard-sub000/settlement"
	"github.com/RM0420/GoalGuard-sub000/storage/cache"
	storage "github.com/RM0420/GoalGuard-sub000/storage/persistent"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// RunEngine is the main function that sets up and runs the settlement engine.
func RunEngine() {

	// Load the .env file.
	err := godotenv.Load()
	if err != nil {
		fmt.Println("Error loading .env file")
	}

	// Read the environment variables from the .env file using os.Getenv.
	dbURI := os.Getenv("MONGODB_URI")           // MongoDB database URI
	dbName := os.Getenv("DB_NAME")              // The name of the MongoDB database
	redisURL := os.Getenv("REDIS_URL")          // The Redis URL for caching and queue dedupe
	rabbitMQURL := os.Getenv("RABBITMQ_URL")    // The URL for the RabbitMQ message broker
	serverURL := os.Getenv("SERVER_URL")        // The URL where the admin server is running
	signingKey := os.Getenv("JWT_SIGNING_KEY")  // Signing key for admin API tokens
	tzName := os.Getenv("SETTLEMENT_TIMEZONE")  // Reference time zone for settlement dates
	cronSpec := os.Getenv("SETTLEMENT_CRON")    // Daily schedule; empty disables the in-process trigger
	logLevel := os.Getenv("LOG_LEVEL")

	logger.Init(logLevel)

	if tzName == "" {
		tzName = "America/New_York"
	}
	location, err := time.LoadLocation(tzName)
	if err != nil {
		logger.Sugar.Fatalf("invalid SETTLEMENT_TIMEZONE %q: %v", tzName, err)
	}

	cfg := settlement.Config{
		BaseRewardCoins:      envInt64("BASE_REWARD_COINS", 10),
		StreakBonusCoins:     envInt64("STREAK_BONUS_COINS", 5),
		StreakBonusThreshold: envInt("STREAK_BONUS_THRESHOLD", 3),
		Workers:              envInt("SETTLEMENT_WORKERS", 4),
		Retries:              envInt("SETTLEMENT_RETRIES", 2),
		Location:             location,
	}

	// Initialize the persistent storage backend.
	store, err := storage.NewStorage(dbName, dbURI)
	if err != nil {
		logger.Sugar.Fatalf("error initializing storage: %v", err)
	}

	// Initialize the cache used for goal read-through and queue dedupe.
	// The engine runs without one if Redis is not configured.
	var engineCache cache.CacheInterface
	if redisURL != "" {
		engineCache, err = cache.NewCache(redisURL)
		if err != nil {
			logger.Sugar.Fatalf("error connecting to cache: %v", err)
		}
	}

	// Build the block-signal queue. The engine only publishes; the consumer
	// side belongs to the device-blocking service, so no consumers here.
	var publisher settlement.Publisher
	if rabbitMQURL != "" {
		signalQueue, err := queue.BuildBlockSignalQueue(rabbitMQURL, 1, 0, engineCache, nil)
		if err != nil {
			logger.Sugar.Fatalf("error initializing block signal queue: %v", err)
		}
		publisher = queue.NewBlockSignalPublisher(signalQueue)
	}

	orchestrator := settlement.NewOrchestrator(store, engineCache, publisher, cfg)

	// Schedule the daily run. An external scheduler can drive settlement
	// through the admin API instead; set SETTLEMENT_CRON empty in that case.
	if cronSpec == "" {
		cronSpec = "30 4 * * *"
	}
	if cronSpec != "off" {
		scheduler := cron.New(cron.WithLocation(location))
		_, err = scheduler.AddFunc(cronSpec, func() {
			date := orchestrator.SettlementDate(time.Now())
			if _, err := orchestrator.Run(context.Background(), date); err != nil {
				logger.Sugar.Errorw("scheduled settlement run failed", "date", date, "error", err)
			}
		})
		if err != nil {
			logger.Sugar.Fatalf("invalid SETTLEMENT_CRON %q: %v", cronSpec, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Start the admin server.
	adminServer := server.NewServer(store, orchestrator, signingKey)
	go func() {
		if err := adminServer.Start(serverURL); err != nil {
			logger.Sugar.Fatalf("admin server failed: %v", err)
		}
	}()

	// Setting up the signal interrupt handler to gracefully shut down.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigs
	logger.Sugar.Infow("shutting down", "signal", sig.String())

	if err := store.Disconnect(); err != nil {
		logger.Sugar.Errorf("error disconnecting storage: %v", err)
	}
	if engineCache != nil {
		if err := engineCache.Disconnect(); err != nil {
			logger.Sugar.Errorf("error disconnecting cache: %v", err)
		}
	}
}

// envInt reads an integer environment variable, falling back to def when the
// variable is unset or malformed.
func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Sugar.Warnf("ignoring malformed %s=%q", key, raw)
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Sugar.Warnf("ignoring malformed %s=%q", key, raw)
		return def
	}
	return v
}
