// Command exporter publishes soak-run KPIs to Prometheus and Redis and
// serves /metrics and /healthz for scraping.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketmaker/soaktest/internal/analyzer"
	"github.com/marketmaker/soaktest/internal/exporter"
	"github.com/marketmaker/soaktest/internal/secret"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   "exporter",
		Short: "Publish soak-run KPIs to Prometheus and Redis",
	}
	rootCmd.AddCommand(serveCmd(), redisCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics and /healthz until interrupted",
		RunE:  runServe,
	}
	cmd.Flags().String("src", "out/soak", "Directory holding ITER_SUMMARY_*.json files to seed initial metric values from")
	cmd.Flags().String("env", envOrDefault("ENV", "shadow"), "Environment label")
	cmd.Flags().String("exchange", envOrDefault("EXCHANGE", "kraken"), "Exchange label")
	cmd.Flags().String("addr", ":9108", "Listen address")
	return cmd
}

// envOrDefault returns os.Getenv(key) if set, else fallback. Used so a
// flag's default mirrors the documented environment variable (ENV,
// EXCHANGE, REDIS_URL) without requiring callers to pass it explicitly
// on every invocation, while an explicit flag still wins.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServe(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("src")
	env, _ := cmd.Flags().GetString("env")
	exchange, _ := cmd.Flags().GetString("exchange")
	addr, _ := cmd.Flags().GetString("addr")

	reg := exporter.NewRegistry()
	seedRegistry(reg, src, env, exchange)

	srv := exporter.NewServer(addr, reg, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Start(ctx)
}

// seedRegistry observes the most recent ITER_SUMMARY under src, if any,
// so /metrics returns real values immediately rather than zeros until
// the next iteration completes. A missing or empty src is not an error
// — the exporter can also run ahead of the first soak iteration.
func seedRegistry(reg *exporter.Registry, src, env, exchange string) {
	records, err := analyzer.LoadIterRecords(src)
	if err != nil || len(records) == 0 {
		log.Warn().Str("src", src).Msg("exporter serve: no ITER_SUMMARY records to seed from yet")
		return
	}
	last := records[len(records)-1]
	labels := exporter.Labels{Env: env, Exchange: exchange, Window: "last_iteration"}
	reg.Observe(labels, exporter.Sample{
		MakerTakerRatio: last.MakerTakerRatio,
		NetBps:          last.NetBps,
		RiskRatio:       last.RiskRatio,
		P95LatencyMs:    last.P95LatencyMs,
		WsLagP95Ms:      last.WsLagP95Ms,
	})

	applied := 0
	for _, r := range records {
		applied += len(r.AppliedDeltas)
	}
	reg.ObserveAppliedDeltas(labels, applied)

	frozen := map[string]bool{}
	for _, tag := range last.FrozenTags {
		frozen[tag] = true
	}
	for _, subsystem := range []string{"rebid", "rescue_taker", "risk"} {
		reg.SetPartialFreeze(subsystem, frozen[subsystem])
	}
}

func redisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redis",
		Short: "Publish the latest soak-run KPI snapshot to Redis once",
		RunE:  runRedisPublish,
	}
	cmd.Flags().String("src", "out/soak", "Directory holding ITER_SUMMARY_*.json files")
	cmd.Flags().String("redis-url", envOrDefault("REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
	cmd.Flags().String("env", envOrDefault("ENV", "shadow"), "Environment tag used in the Redis key prefix")
	cmd.Flags().String("exchange", envOrDefault("EXCHANGE", "kraken"), "Exchange tag used in the Redis key prefix")
	cmd.Flags().Bool("hash-mode", true, "Publish one hash per symbol (default)")
	cmd.Flags().Bool("flat-keys", false, "Publish one key per symbol:kpi (legacy); overrides --hash-mode")
	cmd.Flags().Int("batch-size", 50, "Pipeline batch size, max 100")
	cmd.Flags().Int("ttl", 3600, "Key TTL in seconds")
	cmd.Flags().Bool("dry-run", false, "Log every would-be write instead of publishing")
	return cmd
}

func runRedisPublish(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("src")
	redisURL, _ := cmd.Flags().GetString("redis-url")
	env, _ := cmd.Flags().GetString("env")
	exchange, _ := cmd.Flags().GetString("exchange")
	hashMode, _ := cmd.Flags().GetBool("hash-mode")
	flatKeys, _ := cmd.Flags().GetBool("flat-keys")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	ttlSeconds, _ := cmd.Flags().GetInt("ttl")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	records, err := analyzer.LoadIterRecords(src)
	if err != nil {
		return fmt.Errorf("exporter redis: load iter records from %s: %w", src, err)
	}
	if len(records) == 0 {
		log.Warn().Str("src", src).Msg("exporter redis: no ITER_SUMMARY records found, nothing to publish")
		return nil
	}
	last := records[len(records)-1]
	samples := []exporter.KPISample{{
		Symbol:          exchange,
		MakerTakerRatio: last.MakerTakerRatio,
		NetBps:          last.NetBps,
		RiskRatio:       last.RiskRatio,
		P95LatencyMs:    last.P95LatencyMs,
	}}

	publishMode := exporter.ModeHash
	if flatKeys {
		publishMode = exporter.ModeFlat
	} else if !hashMode {
		publishMode = exporter.ModeFlat
	}

	cfg := exporter.RedisPublisherConfig{
		Env:       env,
		Exchange:  exchange,
		Mode:      publishMode,
		TTL:       time.Duration(ttlSeconds) * time.Second,
		BatchSize: batchSize,
	}

	// dry-run and an unparseable redis-url both leave client nil, which
	// the publisher treats as dry-run: every would-be write is logged
	// and nothing is sent. A parseable but unreachable redis-url gets a
	// real client whose writes run through the circuit breaker. Either
	// way the exit code stays 0.
	var client *redis.Client
	if !dryRun {
		opts, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			log.Warn().Err(parseErr).Str("redis-url", redisURL).Msg("exporter redis: falling back to dry-run, unparseable redis-url")
		} else {
			// redis-url rarely carries a password in this deployment (CI
			// and local soak runs); the secret provider lets one be
			// injected without landing in a flag or a URL logged elsewhere.
			if pw, err := secret.Get("redis-password"); err == nil {
				opts.Password = pw
			}
			client = redis.NewClient(opts)
			defer client.Close()
		}
	}

	publisher := exporter.NewRedisPublisher(client, cfg, log.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := publisher.Publish(ctx, samples)
	if err != nil {
		// Publish itself only returns an error for a cancelled rate
		// limiter wait, not for a Redis failure (which degrades to
		// dry-run internally). This command always exits 0 so CI can
		// treat publication as best-effort.
		log.Warn().Err(err).Msg("exporter redis: publish returned an error, treating as dry-run")
	}

	log.Info().
		Int("success", stats.Success).
		Int("fail", stats.Fail).
		Str("mode", stats.ModeLabel(publishMode)).
		Msg("redis publish complete")
	return nil
}
