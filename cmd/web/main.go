package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/mykpoptrade/trade-backend/internal/auth"
	"github.com/mykpoptrade/trade-backend/internal/config"
	"github.com/mykpoptrade/trade-backend/internal/database"
	"github.com/mykpoptrade/trade-backend/internal/gateway"
	"github.com/mykpoptrade/trade-backend/internal/handlers"
	"github.com/mykpoptrade/trade-backend/internal/negotiation"
	"github.com/mykpoptrade/trade-backend/internal/notify"
	"github.com/mykpoptrade/trade-backend/internal/ratelimit"
	"github.com/mykpoptrade/trade-backend/internal/settlement"
	"github.com/mykpoptrade/trade-backend/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("could not load configuration: %v", err)
	}

	ctx := context.Background()

	pool, err := database.Connect(ctx, cfg.DSN)
	if err != nil {
		log.Fatalf("database error: %v", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatalf("schema migration failed: %v", err)
	}

	authService, err := auth.NewAuth(cfg.JWTSecretKey)
	if err != nil {
		log.Fatalf("could not start auth service: %v", err)
	}

	// Notifications ride NATS when configured; otherwise they are only
	// logged. Either way delivery is fire-and-forget.
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatalf("could not connect to NATS: %v", err)
		}
		defer nc.Drain()
		notifier, err = notify.NewNATSNotifier(nc)
		if err != nil {
			log.Fatalf("could not start notifier: %v", err)
		}
	}

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("could not connect to Redis: %v", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, "offers",
			cfg.OfferRateLimit, time.Duration(cfg.OfferRateWindowSeconds)*time.Second)
	}

	gw := gateway.NewRESTClient(cfg.GatewayBaseURL, cfg.GatewayClientID, cfg.GatewayClientSecret)

	store := storage.New(pool)
	engine := negotiation.NewEngine(store, notifier,
		time.Duration(cfg.NegotiationExpiryHours)*time.Hour)
	settle := settlement.NewService(store, gw, notifier)

	h := handlers.NewHandler(store, authService, engine, settle, limiter, gateway.AcceptAllVerifier{})

	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173"}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	registerRoutes(router, authService, h)

	log.Printf("server listening on %s", cfg.ListenAddr)
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
