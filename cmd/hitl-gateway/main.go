// Command hitl-gateway runs the Human-In-The-Loop Approval Gateway: the
// HTTP API, the Expiry Worker, and the Guardian Port's lock poller (which
// drives the Lock-Cascade Handler), wired together the way cmd/helm wires
// its kernel layers against Postgres with a graceful-shutdown signal loop.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/api"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/authz"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/config"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/deeplink"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/expiryworker"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/gatewaycore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/guardianport"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/lockcascade"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/marketdata"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/notify"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		return 1
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database failed", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		return 1
	}

	store := approvalstore.New(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("approval store init failed", "error", err)
		return 1
	}

	redisClient := redis.NewClient(mustParseRedisURL(cfg.RedisURL))
	defer func() { _ = redisClient.Close() }()

	guardian := guardianport.NewHTTPPort(cfg.GuardianURL, 2*time.Second, 2*time.Second)
	defer guardian.Close()

	gate := authz.NewGate(cfg.HITLAllowedOperators)

	meter := otel.Meter("hitl-gateway")
	metrics, err := notify.NewOTelMetrics(meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}
	hub := notify.NewHub(notify.NewLogChat(logger), notify.NewRedisEventBus(redisClient), metrics)

	core := gatewaycore.New(store, guardian, noopMarketData{}, gate, hub, gatewaycore.Config{
		Enabled:        cfg.HITLEnabled,
		TimeoutSeconds: cfg.HITLTimeoutSeconds,
		SlippageMaxPct: cfg.HITLSlippageMaxPercent,
	})

	if _, err := core.RecoverOnStartup(ctx); err != nil {
		logger.Error("recovery scan failed", "error", err)
		return 1
	}

	cascade := lockcascade.New(guardian, core)
	_ = cascade
	go guardian.Run(ctx)

	worker := expiryworker.New(store, cfg.ExpiryInterval())
	worker.OnExpire(func(ctx context.Context, req *contracts.ApprovalRequest) {
		hub.NotifyDecided(ctx, req)
	})
	go worker.Run(ctx)

	tokens := deeplink.New(store, 0)
	limiter := api.NewOperatorTradeRateLimiter(1, 3)
	gatewayHandler := api.NewGatewayHandler(core, limiter)
	deepLinkHandler := api.NewDeepLinkHandler(tokens, core)

	idempotency := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
	if err := idempotency.EnsureSchema(ctx); err != nil {
		logger.Error("idempotency schema init failed", "error", err)
		return 1
	}
	withIdempotency := api.IdempotencyMiddleware(idempotency)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/hitl/pending", gatewayHandler.HandlePending)
	mux.HandleFunc("/api/hitl/deeplink/", deepLinkHandler.HandleRedeem)
	mux.Handle("/api/hitl/", withIdempotency(routeDecide(gatewayHandler)))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("hitl-gateway listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func routeDecide(h *api.GatewayHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case hasSuffix(r.URL.Path, "/approve"):
			h.HandleApprove(w, r)
		case hasSuffix(r.URL.Path, "/reject"):
			h.HandleReject(w, r)
		default:
			http.NotFound(w, r)
		}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func mustParseRedisURL(rawURL string) *redis.Options {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return &redis.Options{Addr: "localhost:6379"}
	}
	return opts
}

// noopMarketData is a placeholder Port used until a real market-data feed
// is wired in; it always returns an error, which gatewaycore.Core.Decide
// surfaces as a SEC-050 "market-data unavailable" GatewayError rather than
// a silent pass-through. Real deployments replace this with an adapter to the
// trading engine's existing feed (out of scope here per spec.md Non-goals).
type noopMarketData struct{}

func (noopMarketData) Quote(ctx context.Context, instrument string) (marketdata.Quote, error) {
	return marketdata.Quote{}, fmt.Errorf("hitl-gateway: no market data feed configured")
}
