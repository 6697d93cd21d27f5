package exporter

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc-usd":    "BTCUSD",
		"ETH/USD":    "ETHUSD",
		"  sol_USD ": "SOLUSD",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKPISample_Fields(t *testing.T) {
	s := KPISample{Symbol: "BTCUSD", MakerTakerRatio: 0.9, NetBps: 3.1, RiskRatio: 0.2, P95LatencyMs: 300}
	fields := s.fields()
	if fields["maker_taker_ratio"] != "0.9" {
		t.Errorf("expected maker_taker_ratio=0.9, got %s", fields["maker_taker_ratio"])
	}
	if fields["risk_ratio"] != "0.2" {
		t.Errorf("expected risk_ratio=0.2, got %s", fields["risk_ratio"])
	}
}

func TestRedisPublisherConfig_Defaults(t *testing.T) {
	p := NewRedisPublisher(nil, RedisPublisherConfig{Env: "shadow", Exchange: "kraken"}, zerolog.Nop())
	if p.cfg.TTL != defaultTTL {
		t.Errorf("expected default TTL, got %v", p.cfg.TTL)
	}
	if p.cfg.BatchSize != defaultBatchSize {
		t.Errorf("expected default batch size, got %d", p.cfg.BatchSize)
	}
	if p.cfg.Mode != ModeHash {
		t.Errorf("expected default mode hash, got %s", p.cfg.Mode)
	}
}

func TestRedisPublisherConfig_ClampsBatchSize(t *testing.T) {
	p := NewRedisPublisher(nil, RedisPublisherConfig{BatchSize: 1000}, zerolog.Nop())
	if p.cfg.BatchSize != maxBatchSize {
		t.Errorf("expected batch size clamped to %d, got %d", maxBatchSize, p.cfg.BatchSize)
	}
}

func TestPublish_NilClientCountsDryRunSuccesses(t *testing.T) {
	p := NewRedisPublisher(nil, RedisPublisherConfig{Env: "shadow", Exchange: "kraken", BatchSize: 2}, zerolog.Nop())

	samples := []KPISample{
		{Symbol: "BTC-USD", NetBps: 3.1},
		{Symbol: "ETH-USD", NetBps: 2.8},
		{Symbol: "SOL-USD", NetBps: 1.9},
	}
	stats, err := p.Publish(context.Background(), samples)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stats.Success != 3 || stats.Fail != 0 {
		t.Errorf("stats = success=%d fail=%d, want success=3 fail=0", stats.Success, stats.Fail)
	}
	if got := stats.ModeLabel(ModeHash); got != "dry" {
		t.Errorf("mode label = %q, want dry", got)
	}
}

func TestPublishStats_ModeLabelPassesThroughWhenLive(t *testing.T) {
	stats := PublishStats{Success: 4}
	if got := stats.ModeLabel(ModeFlat); got != string(ModeFlat) {
		t.Errorf("mode label = %q, want %q", got, ModeFlat)
	}
}
