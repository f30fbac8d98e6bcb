// Package dispatch turns one inbound frame into exactly one response.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/engine"
	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// ModelCache is the part of the model cache the dispatcher needs.
type ModelCache interface {
	EnsureLoaded(id string) error
	Get(id string) (engine.Model, bool)
}

// Transcriber runs one transcription against a loaded model.
type Transcriber interface {
	Transcribe(model engine.Model, modelID, audioPath, language string) (string, error)
}

// Options holds request defaults.
type Options struct {
	DefaultModel    string
	DefaultLanguage string
}

// Dispatcher routes requests to their handlers. It keeps no state between
// requests beyond what lives in the cache.
type Dispatcher struct {
	cache       ModelCache
	transcriber Transcriber
	sink        diag.Sink
	opts        Options
}

// New returns a Dispatcher. Empty option fields fall back to
// protocol.DefaultModel and protocol.DefaultLanguage.
func New(cache ModelCache, transcriber Transcriber, sink diag.Sink, opts Options) *Dispatcher {
	if sink == nil {
		sink = diag.Nop
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = protocol.DefaultModel
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = protocol.DefaultLanguage
	}
	return &Dispatcher{cache: cache, transcriber: transcriber, sink: sink, opts: opts}
}

// Handle decodes line and runs the requested action. It never panics and
// always returns a well-formed response.
func (d *Dispatcher) Handle(line []byte) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			trace := string(debug.Stack())
			d.sink.Emit(diag.Error(fmt.Sprintf("Request handling error: %v", r), nil).With("traceback", trace))
			resp = protocol.Response{
				Status:    protocol.StatusError,
				Message:   fmt.Sprintf("Request handling error: %v", r),
				Traceback: trace,
			}
		}
	}()

	req, err := protocol.DecodeRequest(line)
	if err != nil {
		d.sink.Emit(diag.Error("Rejected malformed request", err))
		return protocol.Failure(protocol.Message(err))
	}
	req = req.WithDefaults(d.opts.DefaultModel, d.opts.DefaultLanguage)

	d.sink.Emit(diag.Info(fmt.Sprintf("Received request: %s", req.Action)).With("action", string(req.Action)))

	resp, err = d.route(req)
	if err != nil {
		return protocol.Failure(protocol.Message(err))
	}
	return resp
}

func (d *Dispatcher) route(req protocol.Request) (protocol.Response, error) {
	switch req.Action {
	case protocol.ActionTranscribe:
		return d.transcribe(req)
	case protocol.ActionLoadModel:
		return d.loadModel(req)
	case protocol.ActionPing:
		d.sink.Emit(diag.Info("Pong!"))
		return protocol.Success(protocol.MessagePong), nil
	case protocol.ActionShutdown:
		d.sink.Emit(diag.Info("Shutdown requested"))
		return protocol.Success(protocol.MessageShuttingDown), nil
	default:
		return protocol.Response{}, protocol.NewError(protocol.ErrProtocol, nil, "Unknown action: %s", req.Action)
	}
}

var errNotResident = errors.New("model not resident after load")

func (d *Dispatcher) transcribe(req protocol.Request) (protocol.Response, error) {
	if err := req.Check(protocol.FieldAudioPath); err != nil {
		return protocol.Response{}, err
	}
	d.sink.Emit(diag.Info(fmt.Sprintf("Audio: %s", req.AudioPath)).With("audio_path", req.AudioPath))
	if req.AudioPath == "" {
		return protocol.Response{}, protocol.NewError(protocol.ErrValidation, nil, "Missing audio_path parameter")
	}

	if err := req.Check(protocol.FieldModel, protocol.FieldLanguage); err != nil {
		return protocol.Response{}, err
	}

	model, err := d.ensure(req.Model)
	if err != nil {
		return protocol.Response{}, err
	}

	text, err := d.transcriber.Transcribe(model, req.Model, req.AudioPath, req.Language)
	if err != nil {
		return protocol.Response{}, err
	}
	if text == "" {
		return protocol.Response{}, protocol.ErrEmptyTranscription
	}

	d.sink.Emit(diag.Info(fmt.Sprintf("Sending response with %d characters", len(text))).With("chars", len(text)))
	return protocol.Transcript(text), nil
}

func (d *Dispatcher) loadModel(req protocol.Request) (protocol.Response, error) {
	if err := req.Check(protocol.FieldModel); err != nil {
		return protocol.Response{}, err
	}
	if _, err := d.ensure(req.Model); err != nil {
		return protocol.Response{}, err
	}
	return protocol.Success(fmt.Sprintf("Model '%s' loaded", req.Model)), nil
}

// ensure loads id and returns its handle. Every failure is reported with
// the same caller-facing message.
func (d *Dispatcher) ensure(id string) (engine.Model, error) {
	if err := d.cache.EnsureLoaded(id); err != nil {
		return nil, protocol.NewError(protocol.ErrLoad, err, "Failed to load model")
	}
	model, ok := d.cache.Get(id)
	if !ok {
		return nil, protocol.NewError(protocol.ErrLoad, errNotResident, "Failed to load model")
	}
	return model, nil
}
