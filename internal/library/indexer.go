package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
)

// ErrNotIndexed is returned by Stored for a reference whose poses have not been extracted yet.
var ErrNotIndexed = errors.New("reference poses not indexed yet")

// Indexed is a reference together with its extracted poses.
type Indexed struct {
	Reference Reference
	Poses     *types.PoseBuffer
}

type indexCall struct {
	fresh bool
	done  chan struct{}
	res   Indexed
	err   error
}

// Indexer computes reference poses on first use and caches them in the registry
// and in memory. Concurrent requests for the same reference share one extraction.
// Its detector should not be shared with batch runs or live sessions.
type Indexer struct {
	registry Registry
	decoder  media.Decoder
	detector detector.Detector

	mu       sync.Mutex
	cache    map[string]*types.PoseBuffer
	inflight map[string]*indexCall
}

// NewIndexer creates an indexer.
func NewIndexer(registry Registry, decoder media.Decoder, d detector.Detector) *Indexer {
	return &Indexer{
		registry: registry,
		decoder:  decoder,
		detector: d,
		cache:    make(map[string]*types.PoseBuffer),
		inflight: make(map[string]*indexCall),
	}
}

// Registry returns the underlying registry.
func (ix *Indexer) Registry() Registry { return ix.registry }

// Poses returns the reference and its pose buffer, extracting it if nothing is cached.
func (ix *Indexer) Poses(ctx context.Context, id string) (Indexed, error) {
	return ix.get(ctx, id, false)
}

// Stored returns poses that are already cached or persisted. It never runs
// the detector; an unindexed reference yields ErrNotIndexed.
func (ix *Indexer) Stored(ctx context.Context, id string) (Indexed, error) {
	ref, err := ix.registry.Resolve(ctx, id)
	if err != nil {
		return Indexed{}, err
	}
	ix.mu.Lock()
	buf, ok := ix.cache[id]
	ix.mu.Unlock()
	if ok {
		return Indexed{Reference: ref, Poses: buf}, nil
	}

	buf, err = ix.registry.LoadPoses(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Indexed{}, fmt.Errorf("%s: %w", id, ErrNotIndexed)
	}
	if err != nil {
		return Indexed{}, err
	}
	ix.mu.Lock()
	if _, busy := ix.inflight[id]; !busy {
		ix.cache[id] = buf
	}
	ix.mu.Unlock()
	return Indexed{Reference: ref, Poses: buf}, nil
}

func (ix *Indexer) get(ctx context.Context, id string, fresh bool) (Indexed, error) {
	for {
		ix.mu.Lock()
		if buf, ok := ix.cache[id]; ok && !fresh {
			ix.mu.Unlock()
			ref, err := ix.registry.Resolve(ctx, id)
			if err != nil {
				return Indexed{}, err
			}
			return Indexed{Reference: ref, Poses: buf}, nil
		}
		if call, ok := ix.inflight[id]; ok {
			ix.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return Indexed{}, ctx.Err()
			}
			// a cached load cannot stand in for a re-extraction
			if fresh && !call.fresh {
				continue
			}
			// the leader's own cancellation is not ours; try again
			if call.err != nil && errors.Is(call.err, context.Canceled) && ctx.Err() == nil {
				continue
			}
			return call.res, call.err
		}
		call := &indexCall{fresh: fresh, done: make(chan struct{})}
		ix.inflight[id] = call
		ix.mu.Unlock()

		call.res, call.err = ix.load(ctx, id, fresh)

		ix.mu.Lock()
		delete(ix.inflight, id)
		if call.err == nil {
			ix.cache[id] = call.res.Poses
		}
		ix.mu.Unlock()
		close(call.done)
		return call.res, call.err
	}
}

// Index decodes the reference video and stores freshly extracted poses, replacing any cache.
func (ix *Indexer) Index(ctx context.Context, id string) (Indexed, error) {
	return ix.get(ctx, id, true)
}

func (ix *Indexer) load(ctx context.Context, id string, fresh bool) (Indexed, error) {
	ref, err := ix.registry.Resolve(ctx, id)
	if err != nil {
		return Indexed{}, err
	}

	if !fresh {
		buf, err := ix.registry.LoadPoses(ctx, id)
		if err == nil {
			logger.Debug("Library", "loaded cached poses for %s (%d frames)", id, buf.Len())
			return Indexed{Reference: ref, Poses: buf}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Indexed{}, err
		}
	}
	if ix.decoder == nil || ix.detector == nil {
		return Indexed{}, fmt.Errorf("index %s: no decoder or detector configured", id)
	}

	start := time.Now()
	video, err := ix.decoder.Open(ctx, ref.VideoPath)
	if err != nil {
		return Indexed{}, fmt.Errorf("index %s: %w", id, err)
	}
	buf, err := detector.Extract(ctx, ix.detector, video, video.Info().FrameCount, nil)
	_ = video.Close()
	if err != nil {
		return Indexed{}, fmt.Errorf("index %s: %w", id, err)
	}
	if err := ix.registry.StorePoses(ctx, id, buf); err != nil {
		return Indexed{}, err
	}
	ref, err = ix.registry.Resolve(ctx, id)
	if err != nil {
		return Indexed{}, err
	}
	logger.Info("Library", "indexed %s: %d frames, %d with a pose, %s", id, buf.Len(), buf.Detected(), time.Since(start).Round(time.Millisecond))
	return Indexed{Reference: ref, Poses: buf}, nil
}
