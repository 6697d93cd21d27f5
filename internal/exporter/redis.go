package exporter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/marketmaker/soaktest/infra/breakers"
)

// PublishMode selects the Redis key layout.
type PublishMode string

const (
	// ModeHash writes one hash per symbol with a field per KPI
	// (default).
	ModeHash PublishMode = "hash"
	// ModeFlat writes one key per {symbol}:{kpi} (legacy).
	ModeFlat PublishMode = "flat"
)

const defaultTTL = 3600 * time.Second
const defaultBatchSize = 50
const maxBatchSize = 100

var symbolNormalizeRe = regexp.MustCompile(`[^A-Z0-9]`)

// NormalizeSymbol uppercases and strips anything outside [A-Z0-9],
// matching the key-naming invariant every publisher must honor.
func NormalizeSymbol(symbol string) string {
	return symbolNormalizeRe.ReplaceAllString(strings.ToUpper(symbol), "")
}

// KPISample is one symbol's published KPI values for one publish
// call.
type KPISample struct {
	Symbol          string
	MakerTakerRatio float64
	NetBps          float64
	RiskRatio       float64
	P95LatencyMs    float64
}

func (s KPISample) fields() map[string]string {
	return map[string]string{
		"maker_taker_ratio": strconv.FormatFloat(s.MakerTakerRatio, 'f', -1, 64),
		"net_bps":           strconv.FormatFloat(s.NetBps, 'f', -1, 64),
		"risk_ratio":        strconv.FormatFloat(s.RiskRatio, 'f', -1, 64),
		"p95_latency_ms":    strconv.FormatFloat(s.P95LatencyMs, 'f', -1, 64),
	}
}

// RedisPublisherConfig configures one Publisher.
type RedisPublisherConfig struct {
	Env       string
	Exchange  string
	Mode      PublishMode
	TTL       time.Duration
	BatchSize int
	// RateLimitPerSecond bounds how many publish operations (not
	// batches) are issued per second; zero disables limiting.
	RateLimitPerSecond float64
}

// RedisPublisher publishes KPISamples to Redis, wrapped in a circuit
// breaker so a flapping endpoint degrades to dry-run quickly instead
// of retrying into a stall.
type RedisPublisher struct {
	client  *redis.Client
	cfg     RedisPublisherConfig
	breaker *breakers.Breaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewRedisPublisher builds a Publisher against client with cfg,
// defaulting TTL and batch size when unset.
func NewRedisPublisher(client *redis.Client, cfg RedisPublisherConfig, logger zerolog.Logger) *RedisPublisher {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHash
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.BatchSize)
	}

	return &RedisPublisher{
		client:  client,
		cfg:     cfg,
		breaker: breakers.New("redis-exporter", logger),
		limiter: limiter,
		logger:  logger,
	}
}

func (p *RedisPublisher) keyPrefix() string {
	return fmt.Sprintf("%s:%s:shadow:latest", p.cfg.Env, p.cfg.Exchange)
}

// errNoClient marks an explicitly dry-run publisher (nil client, e.g.
// --dry-run or an unparseable redis-url at the CLI layer).
var errNoClient = fmt.Errorf("exporter: no redis client configured")

// PublishStats counts one Publish call's outcome. A write that took
// the dry-run fallback still counts as a success — publication is
// best-effort by contract — with Dry marking that at least one batch
// fell back.
type PublishStats struct {
	Success int
	Fail    int
	Dry     bool
}

// ModeLabel renders the mode for the tail log line: the configured
// key layout normally, "dry" when the run fell back.
func (s PublishStats) ModeLabel(configured PublishMode) string {
	if s.Dry {
		return "dry"
	}
	return string(configured)
}

// Publish writes samples to Redis in batches of cfg.BatchSize,
// pipelined. On breaker-open or any pipeline error it falls back to a
// dry-run, logging every would-be write without failing the caller. A
// nil client (the caller's explicit dry-run mode) skips the breaker
// and pipeline entirely and goes straight to the dry-run log path.
func (p *RedisPublisher) Publish(ctx context.Context, samples []KPISample) (PublishStats, error) {
	var stats PublishStats
	for start := 0; start < len(samples); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(samples) {
			end = len(samples)
		}
		batch := samples[start:end]

		if p.limiter != nil {
			if err := p.limiter.WaitN(ctx, len(batch)); err != nil {
				stats.Fail += len(samples) - start
				return stats, fmt.Errorf("exporter: rate limiter: %w", err)
			}
		}

		if p.client == nil {
			p.dryRun(batch, errNoClient)
			stats.Success += len(batch)
			stats.Dry = true
			continue
		}

		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.publishBatch(ctx, batch)
		})
		if err != nil {
			p.dryRun(batch, err)
			stats.Dry = true
		}
		stats.Success += len(batch)
	}
	return stats, nil
}

func (p *RedisPublisher) publishBatch(ctx context.Context, batch []KPISample) error {
	pipe := p.client.Pipeline()

	for _, sample := range batch {
		symbol := NormalizeSymbol(sample.Symbol)
		switch p.cfg.Mode {
		case ModeFlat:
			for kpi, value := range sample.fields() {
				key := fmt.Sprintf("%s:%s:%s", p.keyPrefix(), symbol, kpi)
				pipe.SetEx(ctx, key, value, p.cfg.TTL)
			}
		default:
			key := fmt.Sprintf("%s:%s", p.keyPrefix(), symbol)
			pipe.HSet(ctx, key, sample.fields())
			pipe.Expire(ctx, key, p.cfg.TTL)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

// dryRun logs every would-be write at warn level, the exporter's
// degrade-path when Redis is unavailable or the breaker is open.
func (p *RedisPublisher) dryRun(batch []KPISample, cause error) {
	for _, sample := range batch {
		p.logger.Warn().
			Err(cause).
			Str("symbol", NormalizeSymbol(sample.Symbol)).
			Str("mode", string(p.cfg.Mode)).
			Msg("[DRY-RUN] exporter: would-be redis write")
	}
}
