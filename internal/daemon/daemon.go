// Package daemon runs the request loop: read a frame, dispatch it, write the
// response, repeat until end of input, a shutdown request or an interrupt.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync/atomic"

	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// DefaultMaxRequestBytes bounds a single inbound frame.
const DefaultMaxRequestBytes = 1 << 20

// Handler produces exactly one response per inbound frame.
type Handler interface {
	Handle(line []byte) protocol.Response
}

// Options tunes the loop.
type Options struct {
	MaxRequestBytes int
}

// Daemon owns the inbound and outbound channels and the request counter.
type Daemon struct {
	handler  Handler
	sink     diag.Sink
	maxBytes int
	requests atomic.Uint64
}

// New returns a Daemon dispatching to h.
func New(h Handler, sink diag.Sink, opts Options) *Daemon {
	if sink == nil {
		sink = diag.Nop
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return &Daemon{handler: h, sink: sink, maxBytes: opts.MaxRequestBytes}
}

// Requests returns how many non-blank frames have been read.
func (d *Daemon) Requests() uint64 {
	return d.requests.Load()
}

type inbound struct {
	line []byte
	err  error
	eof  bool
}

// Run serves requests from in until in ends, a shutdown request has been
// answered, or ctx is cancelled. Requests are handled one at a time in
// arrival order. A non-nil error means the loop died on a failure it cannot
// recover from: a broken inbound or outbound channel, or a panic escaping
// the handler. Such errors have already been emitted to the sink and are
// marked with diag.Reported.
func (d *Daemon) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	d.sink.Emit(diag.Starting("Transcription daemon starting..."))
	d.sink.Emit(diag.Info("Listening for requests on stdin..."))
	defer func() {
		n := d.Requests()
		d.sink.Emit(diag.Stopped(fmt.Sprintf("Daemon stopped (processed %d requests)", n)).With("requests", n))
	}()

	frames := make(chan inbound)
	done := make(chan struct{})
	defer close(done)
	go d.read(in, frames, done)

	w := bufio.NewWriter(out)
	for {
		select {
		case <-ctx.Done():
			d.sink.Emit(diag.Info("Daemon interrupted"))
			return nil
		case f := <-frames:
			if f.eof {
				return nil
			}
			if f.err != nil {
				d.sink.Emit(diag.Error(fmt.Sprintf("Daemon error: %v", f.err), nil))
				return diag.Reported(fmt.Errorf("daemon: read request: %w", f.err))
			}
			if len(bytes.TrimSpace(f.line)) == 0 {
				continue
			}
			stop, err := d.serve(f.line, w)
			if err != nil {
				return diag.Reported(err)
			}
			if stop {
				return nil
			}
		}
	}
}

// read feeds frames to the loop. It exists so that a blocked read on stdin
// does not keep the loop from noticing an interrupt.
func (d *Daemon) read(in io.Reader, frames chan<- inbound, done <-chan struct{}) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, min(64*1024, d.maxBytes)), d.maxBytes)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case frames <- inbound{line: line}:
		case <-done:
			return
		}
	}
	last := inbound{eof: true}
	if err := sc.Err(); err != nil {
		last = inbound{err: err}
	}
	select {
	case frames <- last:
	case <-done:
	}
}

// serve handles one non-blank frame. stop reports that the response just
// written was the shutdown confirmation.
func (d *Daemon) serve(line []byte, w *bufio.Writer) (stop bool, err error) {
	n := d.requests.Add(1)
	d.sink.Emit(diag.Info(fmt.Sprintf("Request #%d received", n)).With("request", n))

	resp, err := d.dispatch(line)
	if err != nil {
		ev := diag.Error(fmt.Sprintf("Daemon error: %v", err), nil).With("request", n)
		var perr *panicError
		if errors.As(err, &perr) {
			ev = ev.With("traceback", perr.stack)
		}
		d.sink.Emit(ev)
		return false, err
	}

	frame, err := resp.Encode()
	if err != nil {
		d.sink.Emit(diag.Error(fmt.Sprintf("Daemon error: %v", err), nil).With("request", n))
		return false, fmt.Errorf("daemon: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		d.sink.Emit(diag.Error(fmt.Sprintf("Daemon error: %v", err), nil).With("request", n))
		return false, fmt.Errorf("daemon: write response: %w", err)
	}
	if err := w.Flush(); err != nil {
		d.sink.Emit(diag.Error(fmt.Sprintf("Daemon error: %v", err), nil).With("request", n))
		return false, fmt.Errorf("daemon: flush response: %w", err)
	}
	d.sink.Emit(diag.Info(fmt.Sprintf("Response #%d sent", n)).With("request", n))

	sent, err := protocol.DecodeResponse(frame)
	return err == nil && sent.Message == protocol.MessageShuttingDown, nil
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("daemon: handler panic: %v", e.value)
}

// dispatch calls the handler, converting an escaped panic into an error.
func (d *Daemon) dispatch(line []byte) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return d.handler.Handle(line), nil
}
