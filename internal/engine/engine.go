// Package engine defines the contract between the daemon and the speech
// recognition backend. The daemon only loads models and asks them for
// segments; how recognition happens is the backend's business.
package engine

import (
	"fmt"
	"strings"
	"time"
)

// Engine loads models by identifier.
type Engine interface {
	// Load returns a ready-to-use model. threads is a hint for the number
	// of CPU threads inference may use.
	Load(id string, threads int) (Model, error)
}

// Model is a loaded model. Transcribe may be called from several
// goroutines.
type Model interface {
	// Transcribe runs recognition over the audio file. An empty language
	// means "detect it".
	Transcribe(audioPath, language string) ([]Segment, error)
	Close() error
}

// Segment is one piece of recognized text.
type Segment interface {
	SegmentText() string
}

// TimedSegment is a segment with its position in the audio.
type TimedSegment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

func (s TimedSegment) SegmentText() string { return s.Text }

// String renders the segment the way whisper bindings print them, e.g.
// "t0=0s, t1=360ms, text=Hello".
func (s TimedSegment) String() string {
	return fmt.Sprintf("t0=%s, t1=%s, text=%s", s.Start, s.End, s.Text)
}

// TextSegment is a segment with no timing information.
type TextSegment string

func (s TextSegment) SegmentText() string { return string(s) }

const textMarker = "text="

// SegmentOf normalizes a value produced by a backend binding into a Segment.
// Bindings surface segments as typed values, as maps with a "text" key, or
// only as their printed form; the printed form is read from the first
// "text=" marker onward. ok is false when no text can be found.
func SegmentOf(v any) (seg Segment, ok bool) {
	switch s := v.(type) {
	case Segment:
		return s, true
	case string:
		return TextSegment(s), true
	case map[string]string:
		text, ok := s["text"]
		return TextSegment(text), ok
	case map[string]any:
		text, ok := s["text"].(string)
		return TextSegment(text), ok
	case fmt.Stringer:
		return fromPrinted(s.String())
	default:
		return fromPrinted(fmt.Sprint(v))
	}
}

func fromPrinted(printed string) (Segment, bool) {
	_, text, found := strings.Cut(printed, textMarker)
	if !found {
		return nil, false
	}
	return TextSegment(text), true
}
