package diag

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// Logger writes events as one JSON object per line, e.g.
//
//	{"level":"info","status":"ready","elapsed_ms":420,"time":"2026-01-02T15:04:05Z","message":"Model 'small' loaded in 0.42s and ready"}
//
// Each event is a single Write to the underlying writer, so an unbuffered
// writer such as os.Stderr sees it immediately.
type Logger struct {
	log zerolog.Logger
}

// NewLogger returns a Logger writing to w that drops events below level.
func NewLogger(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{
		log: zerolog.New(zerolog.SyncWriter(w)).Level(level).With().Timestamp().Logger(),
	}
}

func (l *Logger) Emit(ev Event) {
	e := l.log.WithLevel(levelOf(ev))
	if e == nil {
		return
	}
	e.Str("status", string(ev.Status)).Fields(ev.Fields).Msg(ev.Message)
}

func levelOf(ev Event) zerolog.Level {
	switch {
	case ev.Debug:
		return zerolog.DebugLevel
	case ev.Status == protocol.StatusError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
