package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"

	"ms-redemption/internal/auth"
	"ms-redemption/internal/booking"
	"ms-redemption/internal/booking/booking_api"
	booking_db "ms-redemption/internal/booking/db"
	"ms-redemption/internal/booking/qr_generator"
	"ms-redemption/internal/booking/token"
	"ms-redemption/internal/config"
	"ms-redemption/internal/database"
	"ms-redemption/internal/database/migrations"
	"ms-redemption/internal/dedupe"
	"ms-redemption/internal/discount"
	discount_db "ms-redemption/internal/discount/db"
	"ms-redemption/internal/discount/discount_api"
	"ms-redemption/internal/kafka"
	"ms-redemption/internal/logger"
	"ms-redemption/internal/mirror"
	"ms-redemption/internal/notify"
	"ms-redemption/internal/ratelimit"
	"ms-redemption/internal/retry"
	"ms-redemption/internal/utils"
)

func prepareSchema(ctx context.Context, bunDB *bun.DB, cfg config.DatabaseConfig, log *logger.Logger) error {
	if cfg.Driver == "sqlite" {
		return database.CreateSchema(ctx, bunDB)
	}
	if !cfg.AutoMigrate {
		log.Info("DATABASE", "DB_AUTO_MIGRATE disabled, expecting schema from cmd/migrate")
		return nil
	}
	// the runner is not closed here: closing it closes bunDB's *sql.DB
	return migrations.NewRunner(bunDB, log).MigrateUp()
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Redis at %s unavailable, rate limiting fails open: %v", cfg.Addr, err))
	} else {
		log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	}
	return client
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, log *logger.Logger) (auth.Verifier, error) {
	if cfg.OIDCIssuer != "" {
		log.Info("AUTH", fmt.Sprintf("Verifying staff tokens against issuer %s", cfg.OIDCIssuer))
		return auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
	}
	log.Warn("AUTH", "OIDC_ISSUER not set, verifying staff tokens with STAFF_JWT_SECRET")
	return auth.NewHMACVerifier(cfg.JWTSecret)
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start).String())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("[CONFIG] .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[CONFIG] %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Dir, "redemption-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "[LOGGER] %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.SetLevel(cfg.Log.Level)
	log.Info("APP", "Starting Redemption Service initialization")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	if err := prepareSchema(ctx, bunDB, cfg.Database, log); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Schema setup failed: %v", err))
	}

	redisClient := connectRedis(ctx, cfg.Redis, log)
	defer redisClient.Close()

	var publisher kafka.Publisher = kafka.NopPublisher{Logger: log}
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, kafka.Topics(), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		publisher = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "KAFKA_ENABLED=false, events are logged only")
	}

	policy := retry.FromConfig(cfg.Retry)

	var statusMirror discount.Mirror
	if cfg.Mirror.Enabled {
		statusMirror = mirror.NewFileMirror(cfg.Mirror.Path)
		log.Info("MIRROR", fmt.Sprintf("Status mirror at %s", cfg.Mirror.Path))
	}

	discountService := discount.NewDiscountService(
		&discount_db.DB{Bun: bunDB},
		publisher,
		statusMirror,
		log,
		discount.SettingsFromConfig(cfg.Discount),
		policy,
	)
	if err := discountService.Seed(ctx); err != nil {
		log.Fatal("DISCOUNT", fmt.Sprintf("Failed to seed discount codes: %v", err))
	}

	signer, err := token.NewSigner(cfg.Token.Secret)
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	qr := qr_generator.NewQRGenerator(cfg.Token.QRSize)
	bookingService := booking.NewBookingService(&booking_db.DB{Bun: bunDB}, signer, publisher, log, policy)

	if cfg.Kafka.Enabled {
		var mailer notify.Mailer = notify.LogMailer{Logger: log}
		if cfg.Email.Enabled {
			mailer = notify.NewSMTPMailer(cfg.Email)
		}
		dispatcher := notify.NewDispatcher(dedupe.NewStore(redisClient, "mail", cfg.Email.DedupeTTL), bookingService, qr, mailer, log)
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicTokenMinted, cfg.Kafka.GroupID, log)
		consumer.DeadLetter = publisher
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx, dispatcher.HandleMessage); err != nil {
				log.Error("NOTIFY", fmt.Sprintf("Ticket mail consumer stopped, message left uncommitted: %v", err))
			}
		}()
	}

	verifier, err := newVerifier(ctx, cfg.Auth, log)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to create token verifier: %v", err))
	}
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit, log)

	discountHandler := discount_api.NewHandler(discountService, log)
	bookingHandler := booking_api.NewHandler(bookingService, qr, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(requestLogger(log))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if err := bunDB.PingContext(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}
		utils.WriteJSON(w, status, body)
	})

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, log))
		discountHandler.RegisterRoutes(r, limiter.Middleware)
		bookingHandler.RegisterRoutes(r)
		log.Info("ROUTER", "Discount routes registered under /discount, booking token routes under /booking-token")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Redemption Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Redemption Service shutdown complete")
	}
	if err := bunDB.Close(); err != nil {
		log.Warn("DATABASE", fmt.Sprintf("Closing database: %v", err))
	}
}
