// AdmitGuard - request security gateway for the admissions platform.
// Main entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"admitguard/internal/admin"
	"admitguard/internal/anomaly"
	"admitguard/internal/audit"
	"admitguard/internal/compliance"
	"admitguard/internal/config"
	"admitguard/internal/counter"
	"admitguard/internal/logging"
	"admitguard/internal/metrics"
	"admitguard/internal/pipeline"
	"admitguard/internal/ratelimit"
	"admitguard/internal/sanitize"
	"admitguard/internal/waf"
)

var (
	version   = "v0.3.0"
	buildTime = "unknown"
	gitHash   = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "admitguard",
		Short: "AdmitGuard - request security gateway",
		Long: `AdmitGuard is a reverse proxy that screens every request before it
reaches the application: input sanitation, WAF rules with IP reputation,
behavioral anomaly scoring, rate limiting, FERPA/GDPR compliance checks
and a tamper-evident audit trail.`,
		Version: fmt.Sprintf("%s (built: %s, commit: %s)", version, buildTime, gitHash),
		Run:     runGateway,
	}

	rootCmd.Flags().StringP("config", "c", "", "Configuration file path")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func runGateway(cmd *cobra.Command, args []string) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.WithField("version", version).Info("Starting AdmitGuard")

	store, err := buildStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize counter store: %v", err)
	}
	defer store.Close()

	collector := metrics.NewCollector()

	var chain *audit.ChainWriter
	if cfg.Audit.ChainFile != "" {
		chain, err = audit.NewChainWriter(cfg.Audit.ChainFile, logger)
		if err != nil {
			log.Fatalf("Failed to open audit chain: %v", err)
		}
		defer chain.Close()
	}
	auditLog := audit.NewLog(cfg.Audit.Retention, chain, logger)

	wafRules := waf.DefaultRules()
	if cfg.WAF.RuleFile != "" {
		extra, err := waf.LoadRuleFile(cfg.WAF.RuleFile)
		if err != nil {
			log.Fatalf("Failed to load WAF rules: %v", err)
		}
		wafRules = append(wafRules, extra...)
	}
	wafEngine := waf.NewEngine(wafRules, waf.Config{
		SuspicionThreshold:   cfg.WAF.SuspicionThreshold,
		ReputationTTL:        cfg.WAF.ReputationTTL,
		ReputationMaxEntries: cfg.WAF.ReputationMaxEntries,
	}, logger)

	var geoDB *geoip2.Reader
	if cfg.Anomaly.GeoIPDatabase != "" {
		geoDB, err = geoip2.Open(cfg.Anomaly.GeoIPDatabase)
		if err != nil {
			logger.WithError(err).Warn("GeoIP database unavailable, geographic signal disabled")
		} else {
			defer geoDB.Close()
		}
	}

	anomalyConfig := anomaly.DefaultConfig()
	if cfg.Anomaly.FrequencyLimit > 0 {
		anomalyConfig.FrequencyLimit = cfg.Anomaly.FrequencyLimit
	}
	if cfg.Anomaly.AuthFailureLimit > 0 {
		anomalyConfig.AuthFailureLimit = cfg.Anomaly.AuthFailureLimit
	}
	if cfg.Anomaly.AlertRetention > 0 {
		anomalyConfig.AlertRetention = cfg.Anomaly.AlertRetention
	}
	anomalyEng := anomaly.NewEngine(store, geoDB, anomalyConfig, logger)

	limiter, err := ratelimit.NewLimiter(store, cfg.RateRules, cfg.GlobalRPS, logger)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}

	consent := compliance.NewMemoryConsentStore()
	complianceEng := compliance.NewEngine(consent, auditLog, logger)
	reporter := compliance.NewReporter(auditLog, cfg.Audit.ChainFile, logger)

	chainCfg := pipeline.Config{
		JWTSecret: cfg.JWTSecret,
		RateRule:  cfg.RateRule,
	}
	securityChain := pipeline.NewChain(
		sanitize.NewGuard(logger), wafEngine, anomalyEng, limiter,
		complianceEng, auditLog, collector, chainCfg, logger,
	)

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		log.Fatalf("Invalid upstream URL: %v", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)

	gateway := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      securityChain.Middleware(proxy),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	adminAPI := admin.NewAPI(wafEngine, anomalyEng, reporter, consent, auditLog, collector, logger)
	adminServer := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      adminAPI.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.AdminAddr).Info("Admin server listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Admin server failed")
		}
	}()

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.ListenAddr,
			"upstream": cfg.Upstream,
		}).Info("Gateway listening")
		if err := gateway.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Gateway failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gateway.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Gateway shutdown error")
	}
	if err := adminServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Admin server shutdown error")
	}
}

func buildStore(cfg *config.Config, logger *logrus.Logger) (counter.Store, error) {
	if cfg.RedisAddr == "" {
		return counter.NewMemoryStore(counter.DefaultMemoryStoreConfig()), nil
	}
	return counter.NewRedisStore(counter.RedisStoreConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
}
