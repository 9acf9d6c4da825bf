package logger

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Sampler demotes repeated warnings for the same category to debug level once
// a category exceeds its rate, so a flapping core or device cannot flood the
// journal.
type Sampler struct {
	limiter *catrate.Limiter
}

// NewSampler allows perSecond warnings per second and perMinute per minute,
// per category. Both must be positive and perMinute must be >= perSecond.
func NewSampler(perSecond, perMinute int) *Sampler {
	return &Sampler{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: perSecond,
			time.Minute: perMinute,
		}),
	}
}

// Warn returns a warning event for category, or a debug event if the category
// is currently over its rate.
func (s *Sampler) Warn(l Logger, category any) *LogEvent {
	if s == nil {
		return l.Warn()
	}
	if _, ok := s.limiter.Allow(category); ok {
		return l.Warn()
	}

	e := l.Debug()
	e.Bool("sampled", true)

	return e
}
