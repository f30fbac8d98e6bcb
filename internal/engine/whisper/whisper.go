// Package whisper implements engine.Engine on top of the whisper.cpp Go
// bindings.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-daemon/internal/audio"
	"github.com/chaz8081/gostt-daemon/internal/engine"
)

// Resolver maps a model id to a ggml file on disk, fetching it if needed.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// Engine loads ggml models through a Resolver.
type Engine struct {
	ctx      context.Context
	resolver Resolver
}

// New returns an Engine. ctx bounds model downloads triggered by Load.
func New(ctx context.Context, r Resolver) *Engine {
	return &Engine{ctx: ctx, resolver: r}
}

// Load resolves id and loads the model into memory.
func (e *Engine) Load(id string, threads int) (engine.Model, error) {
	path, err := e.resolver.Resolve(e.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("whisper: resolve model %q: %w", id, err)
	}
	m, err := Open(path, threads)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Model is a loaded whisper model. Transcribe calls are serialized.
type Model struct {
	mu      sync.Mutex
	model   whisper.Model
	threads int
}

// Open loads the ggml model file at path.
// The caller must call Close() when done.
func Open(path string, threads int) (*Model, error) {
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	if threads <= 0 {
		threads = 4
	}
	return &Model{model: model, threads: threads}, nil
}

// Close releases the whisper model resources.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return err
}

// Transcribe decodes the WAV at audioPath and runs inference on it. An empty
// language lets whisper detect it.
func (m *Model) Transcribe(audioPath, language string) ([]engine.Segment, error) {
	samples, err := audio.LoadSamples(audioPath)
	if err != nil {
		return nil, err
	}
	return m.Process(samples, language)
}

// Process transcribes mono 16kHz float32 samples.
func (m *Model) Process(samples []float32, language string) ([]engine.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("whisper: model is closed")
	}

	ctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	ctx.SetThreads(uint(m.threads))
	ctx.SetTranslate(false)
	if m.model.IsMultilingual() {
		if language == "" {
			language = "auto"
		}
		if err := ctx.SetLanguage(language); err != nil {
			return nil, fmt.Errorf("whisper: language %q: %w", language, err)
		}
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process: %w", err)
	}

	var segments []engine.Segment
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: next segment: %w", err)
		}
		segments = append(segments, engine.TimedSegment{Start: seg.Start, End: seg.End, Text: seg.Text})
	}
	return segments, nil
}

var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Model  = (*Model)(nil)
)
