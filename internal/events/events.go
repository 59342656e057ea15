// Package events carries the ordered progress stream of one batch run.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Type names an event on the batch stream.
type Type string

const (
	TypeProgress Type = "progress"
	TypeResult   Type = "result"
	TypeError    Type = "error"
	TypeDone     Type = "done"
)

// Progress reports stage advancement. Percentage is per stage, 0-100.
type Progress struct {
	Step       string  `json:"step"`
	Message    string  `json:"message"`
	Percentage float64 `json:"percentage"`
}

// Result is the single successful outcome of a run.
type Result struct {
	RunID                 string  `json:"run_id"`
	SideBySideVideoURL    string  `json:"side_by_side_video_url"`
	AnnotatedUserVideoURL string  `json:"annotated_user_video_url"`
	OverallAccuracy       float64 `json:"overall_accuracy"`
	TotalFramesProcessed  int     `json:"total_frames_processed"`
	ScoredFrames          int     `json:"scored_frames"`
}

// Failure is the single error outcome of a run.
type Failure struct {
	Message string `json:"message"`
}

// Event is one numbered entry on the stream. Exactly one payload field is set,
// except for done which has none.
type Event struct {
	Seq      uint64
	Type     Type
	Progress *Progress
	Result   *Result
	Error    *Failure
}

// Payload returns the event body as a generic map.
func (e Event) Payload() map[string]any {
	m := map[string]any{"seq": e.Seq, "type": string(e.Type)}
	switch {
	case e.Progress != nil:
		m["step"] = e.Progress.Step
		m["message"] = e.Progress.Message
		m["percentage"] = e.Progress.Percentage
	case e.Result != nil:
		m["run_id"] = e.Result.RunID
		m["side_by_side_video_url"] = e.Result.SideBySideVideoURL
		m["annotated_user_video_url"] = e.Result.AnnotatedUserVideoURL
		m["overall_accuracy"] = e.Result.OverallAccuracy
		m["total_frames_processed"] = e.Result.TotalFramesProcessed
		m["scored_frames"] = e.Result.ScoredFrames
	case e.Error != nil:
		m["message"] = e.Error.Message
	}
	return m
}

// JSON serialises the payload.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}

// Protobuf serialises the payload as a google.protobuf.Struct.
func (e Event) Protobuf() ([]byte, error) {
	payload := e.Payload()
	// structpb has no uint64 case
	payload["seq"] = float64(e.Seq)
	s, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	return proto.Marshal(s)
}

var (
	// ErrTerminalSent is returned when a second result or error is emitted, or progress follows one.
	ErrTerminalSent = errors.New("run already reported its outcome")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event stream closed")
	// ErrAbandoned is returned once the consumer has gone away.
	ErrAbandoned = errors.New("event consumer gone")
)

// Emitter is the ordered queue of one run. Events are numbered from 1 in the
// order they are emitted and are never dropped; a full buffer blocks the
// producer until the consumer catches up or abandons the stream.
type Emitter struct {
	mu       sync.Mutex
	ch       chan Event
	seq      uint64
	terminal bool
	closed   bool

	abandonOnce sync.Once
	abandoned   chan struct{}
}

// NewEmitter creates an emitter with the given buffer depth.
func NewEmitter(buffer int) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	return &Emitter{ch: make(chan Event, buffer), abandoned: make(chan struct{})}
}

// Events returns the stream. It is closed after the done event.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Progress emits a progress event.
func (e *Emitter) Progress(step, message string, percentage float64) error {
	return e.emit(Event{Type: TypeProgress, Progress: &Progress{Step: step, Message: message, Percentage: percentage}}, false)
}

// Result emits the run's result.
func (e *Emitter) Result(r Result) error {
	return e.emit(Event{Type: TypeResult, Result: &r}, true)
}

// Fail emits the run's error.
func (e *Emitter) Fail(message string) error {
	return e.emit(Event{Type: TypeError, Error: &Failure{Message: message}}, true)
}

// Close emits done and closes the stream. It is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.seq++
	select {
	case e.ch <- Event{Seq: e.seq, Type: TypeDone}:
	case <-e.abandoned:
	}
	close(e.ch)
}

// Abandon tells the emitter nobody is reading any more; blocked and future emits fail.
func (e *Emitter) Abandon() {
	e.abandonOnce.Do(func() { close(e.abandoned) })
}

// Outcome reports whether a result or error has been emitted.
func (e *Emitter) Outcome() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func (e *Emitter) emit(ev Event, terminal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.terminal {
		return ErrTerminalSent
	}
	select {
	case <-e.abandoned:
		return ErrAbandoned
	default:
	}

	e.seq++
	ev.Seq = e.seq
	if terminal {
		e.terminal = true
	}
	select {
	case e.ch <- ev:
		return nil
	case <-e.abandoned:
		return ErrAbandoned
	}
}
