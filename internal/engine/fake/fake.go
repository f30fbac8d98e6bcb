// Package fake provides a scripted engine for tests.
package fake

import (
	"fmt"
	"sync"

	"github.com/chaz8081/gostt-daemon/internal/engine"
)

// Call records one Transcribe invocation.
type Call struct {
	Model     string
	AudioPath string
	Language  string
}

// Engine is an in-memory engine.Engine. Transcribe returns whatever was
// scripted for the audio path, which is nothing by default.
type Engine struct {
	mu        sync.Mutex
	loads     map[string]int
	threads   map[string]int
	loadErr   map[string]error
	segments  map[string][]any
	transErr  map[string]error
	calls     []Call
	loadGate  chan struct{}
	loadStart chan string
}

func New() *Engine {
	return &Engine{
		loads:    make(map[string]int),
		threads:  make(map[string]int),
		loadErr:  make(map[string]error),
		segments: make(map[string][]any),
		transErr: make(map[string]error),
	}
}

// FailLoad makes loading id fail with err.
func (e *Engine) FailLoad(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr[id] = err
}

// SetSegments scripts the raw segments returned for audioPath. Values go
// through engine.SegmentOf, so any shape a binding might produce works.
func (e *Engine) SetSegments(audioPath string, segs ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments[audioPath] = segs
}

// FailTranscribe makes transcribing audioPath fail with err.
func (e *Engine) FailTranscribe(audioPath string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transErr[audioPath] = err
}

// HoldLoads makes every Load block until the returned release function is
// called. Each Load sends its id on started before blocking.
func (e *Engine) HoldLoads() (started <-chan string, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadGate = make(chan struct{})
	e.loadStart = make(chan string, 16)
	gate := e.loadGate
	var once sync.Once
	return e.loadStart, func() { once.Do(func() { close(gate) }) }
}

// Loads reports how many times id was loaded.
func (e *Engine) Loads(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads[id]
}

// Threads reports the thread hint of the last load of id.
func (e *Engine) Threads(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads[id]
}

// Calls returns every Transcribe call so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

func (e *Engine) Load(id string, threads int) (engine.Model, error) {
	e.mu.Lock()
	gate, started := e.loadGate, e.loadStart
	e.mu.Unlock()

	if gate != nil {
		started <- id
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loads[id]++
	e.threads[id] = threads
	if err := e.loadErr[id]; err != nil {
		return nil, fmt.Errorf("fake: load %q: %w", id, err)
	}
	return &Model{id: id, engine: e}, nil
}

// Model is a model handed out by Engine.
type Model struct {
	id     string
	engine *Engine
}

func (m *Model) ID() string { return m.id }

func (m *Model) Transcribe(audioPath, language string) ([]engine.Segment, error) {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, Call{Model: m.id, AudioPath: audioPath, Language: language})
	if err := e.transErr[audioPath]; err != nil {
		return nil, err
	}
	var out []engine.Segment
	for _, raw := range e.segments[audioPath] {
		if seg, ok := engine.SegmentOf(raw); ok {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (m *Model) Close() error { return nil }
