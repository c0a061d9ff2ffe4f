package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 10 * time.Minute
)

// BackoffPolicy returns the delay before the given retry attempt. Attempt 1
// is the first retry.
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the base delay per attempt up to the cap, then
// adds up to jitterFraction of proportional jitter so retry herds spread out.
type ExponentialBackoff struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64

	mu   sync.Mutex
	rand *rand.Rand
}

func NewExponentialBackoff(base, cap time.Duration, jitterFraction float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:           base,
		Cap:            cap,
		JitterFraction: jitterFraction,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	max := b.Cap
	if max <= 0 {
		max = DefaultBackoffCap
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jittered := delay + b.jitter(delay)
	if jittered > max {
		return max
	}
	return jittered
}

func (b *ExponentialBackoff) jitter(delay time.Duration) time.Duration {
	fraction := b.JitterFraction
	if fraction <= 0 || delay <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	span := int64(math.Floor(float64(delay) * fraction))
	if span <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rand == nil {
		b.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(b.rand.Int63n(span))
}

var _ BackoffPolicy = (*ExponentialBackoff)(nil)
