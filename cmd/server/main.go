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

	"github.com/greenfelt/wallet/docs"
	"github.com/greenfelt/wallet/internal/config"
	"github.com/greenfelt/wallet/internal/database"
	"github.com/greenfelt/wallet/internal/handlers"
	mW "github.com/greenfelt/wallet/internal/middleware"
	"github.com/greenfelt/wallet/internal/services"
)

// @title Wallet Ledger API
// @version 1.0
// @description Real-money wallet ledger and reservation engine
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
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

	viper.BindEnv("wallet.reserve_account", "WALLET_RESERVE_ACCOUNT")
	viper.BindEnv("wallet.house_account", "WALLET_HOUSE_ACCOUNT")
	viper.BindEnv("wallet.rake_account", "WALLET_RAKE_ACCOUNT")
	viper.BindEnv("wallet.prize_account", "WALLET_PRIZE_ACCOUNT")
	viper.BindEnv("wallet.reservation_stale_after", "WALLET_RESERVATION_STALE_AFTER")
	viper.BindEnv("wallet.max_conflict_retries", "WALLET_MAX_CONFLICT_RETRIES")
	viper.BindEnv("wallet.velocity_limit", "WALLET_VELOCITY_LIMIT")
	viper.BindEnv("wallet.velocity_window", "WALLET_VELOCITY_WINDOW")
	viper.BindEnv("rake.version", "RAKE_VERSION")
	viper.BindEnv("rake.rules", "RAKE_RULES")

	viper.BindEnv("settlement.bic", "SETTLEMENT_BIC")
	viper.BindEnv("settlement.agent_code", "SETTLEMENT_AGENT_CODE")
	viper.SetDefault("settlement.bic", "GRNFLTWL")
	viper.SetDefault("settlement.agent_code", "WALLET01")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Wallet Ledger API"
	docs.SwaggerInfo.Description = "Real-money wallet ledger and reservation engine"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	walletCfg := config.LoadWalletConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	if err := database.EnsureSchema(db); err != nil {
		log.Fatalf("Failed to bootstrap schema: %v", err)
	}
	if err := database.SeedSystemAccounts(db, walletCfg.SystemAccounts.All()); err != nil {
		log.Fatalf("Failed to seed system accounts: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerService := services.NewLedgerService(db, walletCfg)
	reservationService := services.NewReservationService(ledgerService, walletCfg.ReservationStaleAfter)
	rakeResolver := services.NewRakeResolver(walletCfg.Rake)
	velocityChecker := services.NewVelocityChecker(redisClient, walletCfg.VelocityLimit, walletCfg.VelocityWindow)
	settlementService := services.NewSettlementService(db, redisClient,
		viper.GetString("settlement.bic"), viper.GetString("settlement.agent_code"))
	auditService := services.NewAuditService(db, redisClient)

	walletHandler := handlers.NewWalletHandler(ledgerService, reservationService, rakeResolver, velocityChecker, settlementService)
	auditHandler := handlers.NewAuditHandler(auditService, reservationService, settlementService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
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
		r.Get("/wallet/rake-quote", walletHandler.RakeQuote)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/wallet/deposit", walletHandler.Deposit)
			r.Post("/wallet/withdraw", walletHandler.Withdraw)
			r.Post("/wallet/reserve", walletHandler.Reserve)
			r.Post("/wallet/reserve/commit", walletHandler.Commit)
			r.Post("/wallet/reserve/rollback", walletHandler.Rollback)
			r.Get("/wallet/reservations/{reservationId}", walletHandler.GetReservation)
			r.Get("/wallet/balance-enquiry", walletHandler.BalanceEnquiry)
			r.Get("/wallet/transactions", walletHandler.ListTransactions)

			// Administrative audit tooling
			r.Get("/admin/audit/replay", auditHandler.Replay)
			r.Post("/admin/audit/verify", auditHandler.Verify)
			r.Post("/admin/audit/snapshot", auditHandler.Snapshot)
			r.Post("/admin/reservations/expire", auditHandler.ExpireReservations)
			r.Get("/admin/disbursements", auditHandler.PendingDisbursements)
			r.Post("/admin/disbursements/{disbursementId}/complete", auditHandler.CompleteDisbursement)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
