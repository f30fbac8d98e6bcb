// Package transcribe turns a loaded model and an audio file into plain text.
package transcribe

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/engine"
	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// AutoLanguage asks the engine to detect the language itself.
const AutoLanguage = "auto"

// Invoker runs transcriptions against cached models.
type Invoker struct {
	sink diag.Sink
}

// NewInvoker returns an Invoker reporting to sink.
func NewInvoker(sink diag.Sink) *Invoker {
	if sink == nil {
		sink = diag.Nop
	}
	return &Invoker{sink: sink}
}

// LanguageHint maps a request language to the hint passed to the engine:
// "auto" (or nothing) becomes no hint, anything else passes through as is.
func LanguageHint(language string) string {
	if language == AutoLanguage {
		return ""
	}
	return language
}

// Transcribe runs model over audioPath and returns the joined, trimmed text.
// modelID is only used for diagnostics. Engine failures wrap
// protocol.ErrInference; an empty result is protocol.ErrEmptyTranscription.
func (inv *Invoker) Transcribe(model engine.Model, modelID, audioPath, language string) (string, error) {
	if language == "" {
		language = AutoLanguage
	}
	inv.sink.Emit(diag.Info(fmt.Sprintf("Starting transcription (language: %s)...", language)).
		With("model", modelID).
		With("language", language))

	start := time.Now()
	segments, err := model.Transcribe(audioPath, LanguageHint(language))
	elapsed := time.Since(start)
	if err != nil {
		inv.sink.Emit(diag.Error(fmt.Sprintf("Transcription error: %v", err), nil).
			With("model", modelID).
			With("elapsed_ms", elapsed.Milliseconds()))
		return "", protocol.NewError(protocol.ErrInference, err, "Transcription error: %v", err)
	}

	text := Join(segments)
	inv.sink.Emit(diag.Info(fmt.Sprintf("Transcription completed in %.2fs (%d chars)", elapsed.Seconds(), len(text))).
		With("model", modelID).
		With("elapsed_ms", elapsed.Milliseconds()).
		With("chars", len(text)))

	if text == "" {
		return "", protocol.ErrEmptyTranscription
	}
	return text, nil
}

// Join concatenates segment texts in order, separated by single spaces,
// and trims the result.
func Join(segments []engine.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		parts = append(parts, seg.SegmentText())
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
