package optimizer

import "time"

const (
	// MeteredTokensPerMinute is the ceiling applied to metered providers.
	MeteredTokensPerMinute = 900000
	// MeteredPricePer1K is USD per 1000 tokens (text-embedding-ada-002).
	MeteredPricePer1K = 0.0001
)

// Metered plans for remote pay-per-token APIs.
type Metered struct {
	id string
	hw Hardware
}

func (m Metered) ID() string   { return m.id }
func (m Metered) Class() Class { return ClassMetered }

func (m Metered) Plan(chunks int) Plan {
	return Plan{
		BatchSize: clamp(chunks/10, 50, 500),
		Workers:   min(2, m.hw.CPUs),
	}
}

func (m Metered) Strategy() Strategy {
	return Strategy{
		RateLimited:     true,
		TokensPerMinute: MeteredTokensPerMinute,
		RetryAttempts:   3,
		RetryDelay:      5 * time.Second,
		ParallelSafe:    false,
		ProgressEvery:   1,
	}
}

func (m Metered) Estimate(chunks, avgChars int) Estimate {
	return newEstimate(m.id, chunks, 1.5, avgChars, m)
}

func (m Metered) CostUSD(tokens int) float64 {
	return float64(tokens) / 1000 * MeteredPricePer1K
}

// Local plans for models running on this host.
type Local struct {
	id string
	hw Hardware
}

func (l Local) ID() string   { return l.id }
func (l Local) Class() Class { return ClassLocal }

func (l Local) Plan(chunks int) Plan {
	mem := l.hw.MemoryGiB()
	var batch int
	switch {
	case mem >= 32:
		batch = clamp(chunks/4, 400, 4000)
	case mem >= 16:
		batch = clamp(chunks/5, 200, 2000)
	case mem >= 8:
		batch = clamp(chunks/8, 100, 1000)
	default:
		batch = clamp(chunks/10, 50, 500)
	}

	cpus := l.hw.CPUs
	var workers int
	switch {
	case cpus >= 8:
		workers = min(8, cpus)
	case cpus >= 4:
		workers = min(6, cpus+2)
	default:
		workers = min(4, cpus+1)
	}

	if chunks < 100 {
		batch = min(batch, chunks)
		workers = min(workers, 2)
	}
	return Plan{BatchSize: max(1, batch), Workers: workers}
}

func (l Local) Strategy() Strategy {
	return Strategy{
		RetryAttempts: 2,
		RetryDelay:    time.Second,
		ParallelSafe:  true,
		ProgressEvery: 10,
	}
}

func (l Local) Estimate(chunks, avgChars int) Estimate {
	mem, cpus := l.hw.MemoryGiB(), l.hw.CPUs
	perChunk := 0.4
	switch {
	case mem >= 16 && cpus >= 8:
		perChunk = 0.1
	case mem >= 8 && cpus >= 4:
		perChunk = 0.2
	}
	switch {
	case avgChars > 10000:
		perChunk *= 2
	case avgChars > 5000:
		perChunk *= 1.5
	}
	return newEstimate(l.id, chunks, perChunk, avgChars, l)
}

func (l Local) CostUSD(int) float64 { return 0 }

// Unknown plans for providers with no known profile.
type Unknown struct {
	id string
	hw Hardware
}

func (u Unknown) ID() string   { return u.id }
func (u Unknown) Class() Class { return ClassUnknown }

func (u Unknown) Plan(chunks int) Plan {
	return Plan{
		BatchSize: clamp(chunks/8, 100, 1000),
		Workers:   min(4, u.hw.CPUs),
	}
}

func (u Unknown) Strategy() Strategy {
	return Strategy{
		RetryAttempts: 2,
		RetryDelay:    2 * time.Second,
		ParallelSafe:  true,
		ProgressEvery: 1,
	}
}

func (u Unknown) Estimate(chunks, avgChars int) Estimate {
	return newEstimate(u.id, chunks, 0.3, avgChars, u)
}

func (u Unknown) CostUSD(int) float64 { return 0 }
