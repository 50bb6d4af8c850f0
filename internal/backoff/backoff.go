// Package backoff berechnet die Wartezeit zwischen zwei Versuchen eines Jobs.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"djp.chapter42.de/renderq/internal/data"
)

// Strategy returns the delay before retry number attempt (1-based).
type Strategy interface {
	CalculateBackoff(attempt int) time.Duration
}

// None retries immediately.
type None struct{}

func (None) CalculateBackoff(int) time.Duration { return 0 }

type Fixed struct {
	Delay time.Duration
}

func (f Fixed) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Delay
}

// Exponential: min(base * multiplier^(attempt-1), max).
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func (e Exponential) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(e.Base) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && delay > float64(e.Max) {
		return e.Max
	}
	// float64(math.MaxInt64) rounds up to 2^63, which no longer fits a Duration
	if math.IsNaN(delay) || delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

const (
	DefaultOscillation  = 10  // Schritte innerhalb einer Sinuswelle
	DefaultPhaseShift   = 1.0 // Phasenverschiebung (0 - 2*Pi)
	DefaultJitterFactor = 0.1 // 10% der Verzögerung
)

// Sinus oscillates between Base and Max with a small random jitter on top.
type Sinus struct {
	Base         time.Duration
	Max          time.Duration
	Oscillation  int
	PhaseShift   float64
	JitterFactor float64

	random func() float64
}

func NewSinus(base, max time.Duration) *Sinus {
	return &Sinus{
		Base:         base,
		Max:          Max(base, max),
		Oscillation:  DefaultOscillation,
		PhaseShift:   DefaultPhaseShift,
		JitterFactor: DefaultJitterFactor,
		random:       rand.Float64,
	}
}

func (s *Sinus) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	osc := s.Oscillation
	if osc <= 0 {
		osc = DefaultOscillation
	}

	// sin(x) liegt zwischen -1 und 1, skaliert auf [Base, Max]
	sinFactor := math.Sin((float64(attempt%osc) + s.PhaseShift) * (math.Pi / float64(osc)))
	delay := s.Base + time.Duration((sinFactor+1.0)*float64(s.Max-s.Base)/2.0)

	random := s.random
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration(random() * s.JitterFactor * float64(delay))
	return delay + jitter
}

// New builds the strategy named in the queue configuration. An empty name means none.
func New(cfg data.BackoffConfig) (Strategy, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", "none":
		return None{}, nil
	case "fixed":
		return Fixed{Delay: cfg.Delay}, nil
	case "exponential":
		if cfg.MaxDelay <= 0 {
			return nil, fmt.Errorf("exponential backoff requires max_delay")
		}
		return Exponential{Base: cfg.Delay, Max: cfg.MaxDelay, Multiplier: cfg.Multiplier}, nil
	case "sinus":
		return NewSinus(cfg.Delay, cfg.MaxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", cfg.Strategy)
	}
}

func Max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
