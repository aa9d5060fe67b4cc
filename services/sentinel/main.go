package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel/pkg/alert"
	"sentinel/pkg/attempt"
	"sentinel/pkg/auth"
	otelobs "sentinel/pkg/observability/otel"
	"sentinel/pkg/structlog"
	"sentinel/pkg/threat"
	"sentinel/pkg/usage"
)

const serviceVersion = "1.0.0"

type server struct {
	logger     *structlog.Logger
	tracker    *attempt.Tracker
	engine     *threat.Engine
	dispatcher *alert.Dispatcher
	usage      *usage.Aggregator
	authMgr    *auth.Manager
	limiter    *ipRateLimiter
	trustProxy bool
}

func main() {
	issueSubject := flag.String("issue-token", "", "mint a bearer token for the given subject and exit")
	issueRoles := flag.String("token-roles", "admin", "comma separated roles for -issue-token")
	flag.Parse()

	logger := structlog.NewLogger("sentinel", structlog.ParseLevel(getenvStr("SENTINEL_LOG_LEVEL", "info")), os.Stdout)

	secret := getenvStr("SENTINEL_JWT_SECRET", "dev-only-secret")
	if secret == "dev-only-secret" {
		// NOTE: override in any real deployment
		logger.Warn("SENTINEL_JWT_SECRET not set, using insecure default", nil)
	}
	tokenTTL := getenvDur("SENTINEL_TOKEN_TTL", 12*time.Hour)

	// Tokens are minted out-of-band on a host holding the shared secret; no
	// network endpoint issues them.
	if *issueSubject != "" {
		token, err := issueOperatorToken(secret, *issueSubject, splitList(*issueRoles), tokenTTL)
		if err != nil {
			logger.Fatal("token issue failed", structlog.Fields{"error": err.Error()})
		}
		fmt.Println(token)
		return
	}

	shutdownTracer, err := otelobs.InitTracer(otelobs.ConfigFromEnv("sentinel", serviceVersion))
	if err != nil {
		logger.Warn("tracer init failed, continuing without tracing", structlog.Fields{"error": err.Error()})
		shutdownTracer = func(context.Context) error { return nil }
	}

	dispatcher := buildDispatcher(logger)

	trackerCfg := attempt.DefaultConfig()
	trackerCfg.MaxAttempts = getenvInt("SENTINEL_MAX_FAILED_ATTEMPTS", trackerCfg.MaxAttempts)
	trackerCfg.Window = getenvDur("SENTINEL_ATTEMPT_WINDOW", trackerCfg.Window)
	trackerCfg.BlockDuration = getenvDur("SENTINEL_BLOCK_DURATION", trackerCfg.BlockDuration)
	tracker := attempt.NewTracker(trackerCfg, logger)

	engineCfg := threat.DefaultConfig()
	engineCfg.SnapshotPath = getenvStr("SENTINEL_SNAPSHOT_PATH", "security-metrics.json")
	engine := threat.NewEngine(engineCfg, tracker, dispatcher, logger)

	agg := usage.NewAggregator(usage.DefaultConfig(), logger)

	authMgr, err := auth.NewManager(secret, tokenTTL)
	if err != nil {
		logger.Fatal("auth manager init failed", structlog.Fields{"error": err.Error()})
	}

	s := &server{
		logger:     logger,
		tracker:    tracker,
		engine:     engine,
		dispatcher: dispatcher,
		usage:      agg,
		authMgr:    authMgr,
		limiter:    newIPRateLimiter(getenvInt("SENTINEL_RATE_LIMIT_RPS", 50), getenvInt("SENTINEL_RATE_LIMIT_BURST", 100)),
		trustProxy: getenvBool("SENTINEL_TRUST_PROXY_HEADERS", false),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker.Start(ctx)
	engine.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "sentinel"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/events/login-failure", s.handleLoginFailure)
	mux.HandleFunc("/v1/events/login-success", s.handleLoginSuccess)
	mux.HandleFunc("/v1/events/suspicious", s.handleSuspicious)
	mux.HandleFunc("/v1/events/rate-limit", s.handleRateLimitViolation)
	mux.HandleFunc("/v1/events/security-error", s.handleSecurityError)
	mux.HandleFunc("/v1/events/generic", s.handleGenericEvent)

	admin := http.NewServeMux()
	admin.HandleFunc("/admin/blocked", s.handleBlocked)
	admin.HandleFunc("/admin/block", s.handleBlock)
	admin.HandleFunc("/admin/unblock", s.handleUnblock)
	admin.HandleFunc("/admin/attempts", s.handleAttempts)
	admin.HandleFunc("/admin/metrics", s.handleMetrics)
	admin.HandleFunc("/admin/report", s.handleReport)
	admin.HandleFunc("/admin/events", s.handleEvents)
	admin.HandleFunc("/admin/usage/summary", s.handleUsageSummary)
	admin.HandleFunc("/admin/usage/history", s.handleUsageHistory)
	admin.HandleFunc("/admin/usage/endpoints", s.handleUsageEndpoints)
	admin.HandleFunc("/admin/usage/top-ips", s.handleUsageTopIPs)
	admin.HandleFunc("/admin/usage/top-users", s.handleUsageTopUsers)
	admin.HandleFunc("/admin/usage/connections", s.handleUsageConnections)
	admin.HandleFunc("/admin/usage/reset", s.handleUsageReset)
	admin.HandleFunc("/admin/usage/stream", s.handleUsageStream)
	admin.HandleFunc("/admin/alerts/test", s.handleAlertTest)
	admin.HandleFunc("/admin/alerts/status", s.handleAlertStatus)
	mux.Handle("/admin/", authMgr.Middleware(admin))

	port := getenvInt("SENTINEL_PORT", 8080)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           otelobs.WrapHTTPHandler("sentinel", s.middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("sentinel listening", structlog.Fields{"port": port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", structlog.Fields{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", structlog.Fields{"error": err.Error()})
	}

	engine.Close()
	tracker.Close()
	dispatcher.Close()
	agg.Close()
	_ = shutdownTracer(shutdownCtx)
}

// buildDispatcher wires the configured alert channels with their delivery
// quotas. Channels left unconfigured stay registered but disabled so the
// status endpoint reports them.
func buildDispatcher(logger *structlog.Logger) *alert.Dispatcher {
	email := alert.NewEmailChannel(alert.EmailConfig{
		Enabled:    getenvBool("ALERT_EMAIL_ENABLED", false),
		Host:       getenvStr("ALERT_EMAIL_SMTP_HOST", ""),
		Port:       getenvInt("ALERT_EMAIL_SMTP_PORT", 587),
		Username:   getenvStr("ALERT_EMAIL_SMTP_USER", ""),
		Password:   getenvStr("ALERT_EMAIL_SMTP_PASS", ""),
		From:       getenvStr("ALERT_EMAIL_FROM", "sentinel@localhost"),
		Recipients: splitList(getenvStr("ALERT_EMAIL_RECIPIENTS", "")),
	})
	webhook := alert.NewWebhookChannel(alert.WebhookConfig{
		Enabled: getenvBool("ALERT_WEBHOOK_ENABLED", false),
		URL:     getenvStr("ALERT_WEBHOOK_URL", ""),
		Secret:  getenvStr("ALERT_WEBHOOK_SECRET", ""),
	})

	quotas := map[string]*alert.Quota{
		"email":   alert.NewQuota(getenvInt("ALERT_EMAIL_HOURLY_QUOTA", 10), getenvInt("ALERT_EMAIL_DAILY_QUOTA", 50)),
		"webhook": alert.NewQuota(getenvInt("ALERT_WEBHOOK_HOURLY_QUOTA", 30), getenvInt("ALERT_WEBHOOK_DAILY_QUOTA", 200)),
	}

	return alert.NewDispatcher(alert.DefaultDispatcherConfig(), []alert.Channel{webhook, email}, quotas, logger)
}

// issueOperatorToken mints a bearer token for the admin surface.
func issueOperatorToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	mgr, err := auth.NewManager(secret, ttl)
	if err != nil {
		return "", err
	}
	return mgr.Issue(subject, roles)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
