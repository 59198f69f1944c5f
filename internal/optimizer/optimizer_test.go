package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hw(cpus int, memGiB float64) Hardware {
	return Hardware{CPUs: cpus, MemoryBytes: uint64(memGiB * gib)}
}

func TestForProvider_Class(t *testing.T) {
	tests := []struct {
		id   string
		want Class
	}{
		{"openai", ClassMetered},
		{"sentence-transformers", ClassLocal},
		{"huggingface", ClassLocal},
		{"fastembed", ClassLocal},
		{"tei", ClassLocal},
		{"openai-compatible", ClassUnknown},
		{"mystery", ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p := ForProvider(tt.id, hw(4, 8))
			assert.Equal(t, tt.want, p.Class())
			assert.Equal(t, tt.id, p.ID())
		})
	}
}

func TestMetered_Plan(t *testing.T) {
	p := ForProvider("openai", hw(16, 64))

	assert.Equal(t, Plan{BatchSize: 50, Workers: 2}, p.Plan(10))
	assert.Equal(t, Plan{BatchSize: 100, Workers: 2}, p.Plan(1000))
	assert.Equal(t, Plan{BatchSize: 500, Workers: 2}, p.Plan(100000))

	single := ForProvider("openai", hw(1, 2))
	assert.Equal(t, 1, single.Plan(1000).Workers)

	s := p.Strategy()
	assert.True(t, s.RateLimited)
	assert.Equal(t, 900000, s.TokensPerMinute)
	assert.Equal(t, 3, s.RetryAttempts)
	assert.Equal(t, 5*time.Second, s.RetryDelay)
	assert.False(t, s.ParallelSafe)
}

func TestLocal_MemoryTiers(t *testing.T) {
	const chunks = 10000
	tests := []struct {
		name string
		mem  float64
		want int
	}{
		{"4GiB", 4, 500},
		{"8GiB", 8, 1000},
		{"16GiB", 16, 2000},
		{"32GiB", 32, 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ForProvider("sentence-transformers", hw(8, tt.mem))
			assert.Equal(t, tt.want, p.Plan(chunks).BatchSize)
		})
	}
}

func TestLocal_CPUTiers(t *testing.T) {
	tests := []struct {
		cpus int
		want int
	}{
		{1, 2},
		{2, 3},
		{4, 6},
		{6, 6},
		{8, 8},
		{32, 8},
	}
	for _, tt := range tests {
		p := ForProvider("huggingface", hw(tt.cpus, 8))
		assert.Equal(t, tt.want, p.Plan(5000).Workers, "cpus=%d", tt.cpus)
	}
}

func TestLocal_SmallCorpus(t *testing.T) {
	p := ForProvider("sentence-transformers", hw(16, 64))

	plan := p.Plan(30)
	assert.Equal(t, 30, plan.BatchSize)
	assert.Equal(t, 2, plan.Workers)

	assert.Equal(t, 1, p.Plan(0).BatchSize)
}

func TestLocal_Strategy(t *testing.T) {
	s := ForProvider("tei", hw(4, 8)).Strategy()
	assert.False(t, s.RateLimited)
	assert.Zero(t, s.TokensPerMinute)
	assert.Equal(t, 2, s.RetryAttempts)
	assert.Equal(t, time.Second, s.RetryDelay)
	assert.True(t, s.ParallelSafe)
}

func TestUnknown_Plan(t *testing.T) {
	p := ForProvider("custom", hw(16, 64))
	assert.Equal(t, Plan{BatchSize: 100, Workers: 4}, p.Plan(10))
	assert.Equal(t, Plan{BatchSize: 1000, Workers: 4}, p.Plan(80000))
	assert.Equal(t, 2*time.Second, p.Strategy().RetryDelay)
}

func TestPlan_Monotonic(t *testing.T) {
	hosts := []Hardware{hw(1, 2), hw(4, 8), hw(8, 16), hw(16, 64)}
	for _, id := range []string{"openai", "sentence-transformers", "custom"} {
		for _, h := range hosts {
			p := ForProvider(id, h)
			prev := 0
			for n := 0; n <= 50000; n += 37 {
				plan := p.Plan(n)
				require.GreaterOrEqual(t, plan.BatchSize, prev, "%s n=%d", id, n)
				require.GreaterOrEqual(t, plan.BatchSize, 1)
				require.GreaterOrEqual(t, plan.Workers, 1)
				prev = plan.BatchSize
			}
		}
	}
}

func TestEstimate(t *testing.T) {
	t.Run("metered", func(t *testing.T) {
		e := ForProvider("openai", hw(8, 16)).Estimate(100, 4000)
		assert.InDelta(t, 150, e.Seconds, 1e-9)
		assert.Equal(t, "2.5 minutes", e.Human)
		// 100 chunks * 1000 tokens at $0.0001 per 1K.
		assert.InDelta(t, 0.01, e.CostUSD, 1e-9)
	})

	t.Run("local fast host", func(t *testing.T) {
		e := ForProvider("sentence-transformers", hw(8, 16)).Estimate(100, 1000)
		assert.InDelta(t, 10, e.Seconds, 1e-9)
		assert.Zero(t, e.CostUSD)
	})

	t.Run("local mid host", func(t *testing.T) {
		e := ForProvider("sentence-transformers", hw(4, 8)).Estimate(100, 1000)
		assert.InDelta(t, 20, e.Seconds, 1e-9)
	})

	t.Run("local slow host", func(t *testing.T) {
		e := ForProvider("sentence-transformers", hw(2, 4)).Estimate(100, 1000)
		assert.InDelta(t, 40, e.Seconds, 1e-9)
	})

	t.Run("long chunks", func(t *testing.T) {
		p := ForProvider("sentence-transformers", hw(8, 16))
		assert.InDelta(t, 15, p.Estimate(100, 6000).Seconds, 1e-9)
		assert.InDelta(t, 20, p.Estimate(100, 12000).Seconds, 1e-9)
	})

	t.Run("unknown", func(t *testing.T) {
		e := ForProvider("custom", hw(8, 16)).Estimate(1000, 100)
		assert.InDelta(t, 300, e.Seconds, 1e-9)
		assert.Equal(t, "5.0 minutes", e.Human)
	})
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0 seconds", FormatDuration(0))
	assert.Equal(t, "59 seconds", FormatDuration(59))
	assert.Equal(t, "1.0 minutes", FormatDuration(60))
	assert.Equal(t, "59.9 minutes", FormatDuration(3594))
	assert.Equal(t, "1.0 hours", FormatDuration(3600))
	assert.Equal(t, "2.5 hours", FormatDuration(9000))
}

func TestConfigure(t *testing.T) {
	cfg := Configure(ForProvider("openai", hw(8, 16)), 1000)
	assert.Equal(t, "openai", cfg.Provider)
	assert.Equal(t, "metered", cfg.Class)
	assert.Equal(t, 100, cfg.Plan.BatchSize)
	assert.True(t, cfg.Strategy.RateLimited)
}

func TestDetectHardware(t *testing.T) {
	h := DetectHardware(context.Background())
	assert.GreaterOrEqual(t, h.CPUs, 1)
}
