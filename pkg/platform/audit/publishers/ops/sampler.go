package ops

import (
	"math/rand/v2"
	"sync"
)

// Sampler decides which ops events are kept. Status polling is the
// high-volume case.
type Sampler struct {
	mu           sync.RWMutex
	defaultRate  float64
	rateByAction map[string]float64
	random       func() float64
}

// NewSampler creates a sampler keeping defaultRate (0.0 - 1.0) of events.
func NewSampler(defaultRate float64) *Sampler {
	return &Sampler{
		defaultRate:  clampRate(defaultRate),
		rateByAction: make(map[string]float64),
		random:       rand.Float64,
	}
}

// ShouldSample returns true if the event should be kept.
func (s *Sampler) ShouldSample(action string) bool {
	return s.random() < s.rateFor(action)
}

// SetRate overrides the default for one action.
func (s *Sampler) SetRate(action string, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByAction[action] = clampRate(rate)
}

func (s *Sampler) rateFor(action string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByAction[action]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
