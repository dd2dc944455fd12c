package sensor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

// Simulated is a development [Driver] that produces a bounded random
// walk starting in a comfortable indoor band (18-28 °C, 30-70 %RH).
// FailEvery, when positive, makes every n-th temperature read fail so
// the fault path can be exercised without hardware.
type Simulated struct {
	FailEvery int

	mu    sync.Mutex
	rng   *rand.Rand
	temp  float64
	hum   float64
	reads int
}

// NewSimulated returns a simulator seeded with seed.
func NewSimulated(seed uint64) *Simulated {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Simulated{
		rng:  rng,
		temp: 18 + rng.Float64()*10,
		hum:  30 + rng.Float64()*40,
	}
}

// Temperature implements [Driver].
func (s *Simulated) Temperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.FailEvery > 0 && s.reads%s.FailEvery == 0 {
		return 0, errSimulatedFault
	}
	s.temp = walk(s.rng, s.temp, 0.3, 18, 28)
	return round1(s.temp), nil
}

// Humidity implements [Driver].
func (s *Simulated) Humidity(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hum = walk(s.rng, s.hum, 1.0, 30, 70)
	return round1(s.hum), nil
}

var errSimulatedFault = errors.New("simulated sensor fault")

// walk moves v by up to ±step and reflects it back inside [lo, hi].
func walk(rng *rand.Rand, v, step, lo, hi float64) float64 {
	v += (rng.Float64()*2 - 1) * step
	if v < lo {
		v = lo + (lo - v)
	}
	if v > hi {
		v = hi - (v - hi)
	}
	return v
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
