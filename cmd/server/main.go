package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/emberboard/backend/docs"
	"github.com/emberboard/backend/internal/config"
	"github.com/emberboard/backend/internal/database"
	mW "github.com/emberboard/backend/internal/middleware"
	"github.com/emberboard/backend/internal/services"
)

// @title Emberboard Credit Ledger API
// @version 1.0
// @description Credit ledger and time-decay valuation backend for the emberboard micro-economy
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("economy.decay_percent_per_day", "ECONOMY_DECAY_PERCENT_PER_DAY")
	viper.BindEnv("economy.fee_rate", "ECONOMY_FEE_RATE")
	viper.BindEnv("economy.author_rate", "ECONOMY_AUTHOR_RATE")
	viper.BindEnv("economy.ancestor_rate", "ECONOMY_ANCESTOR_RATE")
	viper.BindEnv("economy.snapshot_interval", "ECONOMY_SNAPSHOT_INTERVAL")

	viper.SetDefault("jwt.expiry_hours", 72)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
	viper.SetDefault("refresher.sweep_interval", 10*time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Emberboard Credit Ledger API"
	docs.SwaggerInfo.Description = "Credit ledger and time-decay valuation backend"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	economy := config.LoadEconomyConfig()

	supplyService := services.NewSupplyService(db, economy.SnapshotInterval)
	ledgerService := services.NewLedgerService(db, supplyService)
	refresherService := services.NewRefresherService(db, redisClient, economy)
	contentService := services.NewContentService(db, ledgerService, refresherService, economy)
	tipService := services.NewTipService(db, ledgerService, contentService, refresherService, economy)
	accountService := services.NewAccountService(db, ledgerService, economy)

	// Background jobs: queue worker + periodic expiry sweep
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	go refresherService.Worker(jobCtx)
	refresherService.StartSweeper(jobCtx, viper.GetDuration("refresher.sweep_interval"))

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/resolve", accountService.Resolve)
		r.Get("/supply", supplyService.GetSupply)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/accounts/balance", accountService.GetBalance)
			r.Get("/accounts/transactions", accountService.ListTransactions)
			r.Post("/accrual/collect", accountService.CollectAccrual)

			r.Post("/content", contentService.CreateContent)
			r.Get("/content/{contentId}", contentService.GetContent)
			r.Post("/content/{contentId}/donate", contentService.Donate)
			r.Post("/content/{contentId}/tip", tipService.Tip)
			r.Post("/content/{contentId}/reclaim", contentService.Reclaim)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	cancelJobs()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
