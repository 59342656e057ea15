// Package library keeps the registry of reference videos and their cached poses.
package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/pose-coach/scoring-server/pkg/types"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned for unknown references or references without cached poses.
var ErrNotFound = errors.New("reference not found")

// Reference is one registered reference video.
type Reference struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	VideoPath  string    `json:"-"`
	FrameCount int       `json:"frame_count"`
	FPS        float64   `json:"fps"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CreatedAt  time.Time `json:"created_at"`
	Indexed    bool      `json:"indexed"`
}

// Registry is the reference-library collaborator.
type Registry interface {
	// Register stores ref, assigning an ID when empty.
	Register(ctx context.Context, ref Reference) (Reference, error)
	List(ctx context.Context) ([]Reference, error)
	Resolve(ctx context.Context, id string) (Reference, error)
	// LoadPoses returns the cached pose buffer, or ErrNotFound when none is stored.
	LoadPoses(ctx context.Context, id string) (*types.PoseBuffer, error)
	StorePoses(ctx context.Context, id string, buf *types.PoseBuffer) error
}

func prepareReference(ref Reference) (Reference, error) {
	if ref.VideoPath == "" {
		return ref, errors.New("reference video path is required")
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.Name == "" {
		ref.Name = ref.ID
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return ref, nil
}

// encodePoses serialises a pose buffer as a msgpack list of per-frame landmark lists.
func encodePoses(buf *types.PoseBuffer) ([]byte, error) {
	frames := make([][]types.Landmark, buf.Len())
	for i := range frames {
		frames[i] = buf.At(i).Landmarks()
	}
	data, err := msgpack.Marshal(frames)
	if err != nil {
		return nil, fmt.Errorf("encode poses: %w", err)
	}
	return data, nil
}

func decodePoses(data []byte) (*types.PoseBuffer, error) {
	var frames [][]types.Landmark
	if err := msgpack.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("decode poses: %w", err)
	}
	sets := make([]types.KeypointSet, len(frames))
	for i, lms := range frames {
		sets[i] = types.NewKeypointSet(lms...)
	}
	return types.FrozenPoseBuffer(sets), nil
}

// Memory is an in-process Registry.
type Memory struct {
	mu    sync.RWMutex
	refs  map[string]Reference
	poses map[string][]byte
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{refs: make(map[string]Reference), poses: make(map[string][]byte)}
}

// Register implements Registry.
func (m *Memory) Register(ctx context.Context, ref Reference) (Reference, error) {
	ref, err := prepareReference(ref)
	if err != nil {
		return ref, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ref.Indexed = m.poses[ref.ID]
	m.refs[ref.ID] = ref
	return ref, nil
}

// List implements Registry, newest first.
func (m *Memory) List(ctx context.Context) ([]Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Reference, 0, len(m.refs))
	for _, ref := range m.refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Resolve implements Registry.
func (m *Memory) Resolve(ctx context.Context, id string) (Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[id]
	if !ok {
		return Reference{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ref, nil
}

// LoadPoses implements Registry.
func (m *Memory) LoadPoses(ctx context.Context, id string) (*types.PoseBuffer, error) {
	m.mu.RLock()
	data, ok := m.poses[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no poses for %s", ErrNotFound, id)
	}
	return decodePoses(data)
}

// StorePoses implements Registry.
func (m *Memory) StorePoses(ctx context.Context, id string, buf *types.PoseBuffer) error {
	data, err := encodePoses(buf)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ref.Indexed = true
	if ref.FrameCount == 0 {
		ref.FrameCount = buf.Len()
	}
	m.refs[id] = ref
	m.poses[id] = data
	return nil
}
