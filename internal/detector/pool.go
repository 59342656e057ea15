package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// RetryPolicy bounds how often an unavailable detector is retried.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is 3 attempts, starting at 50ms and doubling up to 500ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}

// Observer receives pool statistics. metrics.Collector implements it.
type Observer interface {
	DetectorRetry()
	DetectorLatency(d time.Duration)
}

// Pool hands out a fixed set of detector instances, one caller per instance.
// The batch, live and indexing paths each own a Pool so a long batch run
// cannot take slots needed for live feedback.
type Pool struct {
	name     string
	slots    chan Detector
	all      []Detector
	retry    RetryPolicy
	observer Observer
}

// NewPool creates a pool over the given instances.
func NewPool(name string, detectors []Detector, retry RetryPolicy, observer Observer) *Pool {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	p := &Pool{
		name:     name,
		slots:    make(chan Detector, len(detectors)),
		all:      detectors,
		retry:    retry,
		observer: observer,
	}
	for _, d := range detectors {
		p.slots <- d
	}
	return p
}

// Size returns the number of instances.
func (p *Pool) Size() int { return len(p.all) }

// Detect runs one frame on a free instance, retrying ErrAdapterUnavailable with bounded backoff.
// It blocks until an instance is free or ctx is done.
func (p *Pool) Detect(ctx context.Context, frame types.Frame) (types.KeypointSet, error) {
	if len(p.all) == 0 {
		return types.KeypointSet{}, fmt.Errorf("%w: pool %s is empty", ErrAdapterUnavailable, p.name)
	}

	var d Detector
	select {
	case d = <-p.slots:
	case <-ctx.Done():
		return types.KeypointSet{}, ctx.Err()
	}
	defer func() { p.slots <- d }()

	var (
		set     types.KeypointSet
		lastErr error
	)
	delay := p.retry.InitialBackoff
	for attempt := 0; attempt < p.retry.Attempts; attempt++ {
		start := time.Now()
		set, lastErr = d.Detect(ctx, frame)
		if p.observer != nil {
			p.observer.DetectorLatency(time.Since(start))
		}
		if lastErr == nil || !errors.Is(lastErr, ErrAdapterUnavailable) {
			return set, lastErr
		}
		if attempt == p.retry.Attempts-1 {
			break
		}

		logger.Warn("Pool", "%s: attempt %d/%d failed: %v", p.name, attempt+1, p.retry.Attempts, lastErr)
		if p.observer != nil {
			p.observer.DetectorRetry()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.KeypointSet{}, ctx.Err()
		}
		if next := delay * 2; next <= p.retry.MaxBackoff {
			delay = next
		}
	}
	return types.KeypointSet{}, fmt.Errorf("%s: giving up after %d attempts: %w", p.name, p.retry.Attempts, lastErr)
}

// Close closes every instance that holds resources.
func (p *Pool) Close() error {
	var errs []error
	for _, d := range p.all {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
