package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/chaz8081/gostt-daemon/internal/cache"
	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/engine"
	"github.com/chaz8081/gostt-daemon/internal/engine/fake"
	"github.com/chaz8081/gostt-daemon/internal/protocol"
	"github.com/chaz8081/gostt-daemon/internal/transcribe"
)

// countingCache records every call made into the real cache.
type countingCache struct {
	*cache.Cache
	ensures int
	gets    int
}

func (c *countingCache) EnsureLoaded(id string) error {
	c.ensures++
	return c.Cache.EnsureLoaded(id)
}

func (c *countingCache) Get(id string) (engine.Model, bool) {
	c.gets++
	return c.Cache.Get(id)
}

type harness struct {
	eng   *fake.Engine
	cache *countingCache
	rec   *diag.Recorder
	d     *Dispatcher
}

func newHarness(opts Options) *harness {
	eng := fake.New()
	rec := &diag.Recorder{}
	cc := &countingCache{Cache: cache.New(eng, 4, rec)}
	return &harness{
		eng:   eng,
		cache: cc,
		rec:   rec,
		d:     New(cc, transcribe.NewInvoker(rec), rec, opts),
	}
}

func (h *harness) handle(line string) protocol.Response {
	return h.d.Handle([]byte(line))
}

func assertResponse(t *testing.T, got, want protocol.Response) {
	t.Helper()
	if got != want {
		t.Errorf("response = %+v, want %+v", got, want)
	}
}

func TestPing(t *testing.T) {
	h := newHarness(Options{})
	for i := 0; i < 3; i++ {
		assertResponse(t, h.handle(`{"action":"ping"}`), protocol.Response{Status: protocol.StatusSuccess, Message: "pong"})
	}
	if h.cache.ensures+h.cache.gets != 0 {
		t.Error("ping touched the cache")
	}
}

func TestPingAfterOtherRequests(t *testing.T) {
	h := newHarness(Options{})
	h.eng.FailLoad("broken", errors.New("nope"))
	h.handle(`{"action":"load_model","model":"broken"}`)
	h.handle(`not json`)
	h.handle(`{"action":"frobnicate"}`)
	assertResponse(t, h.handle(`{"action":"ping"}`), protocol.Success("pong"))
}

func TestShutdown(t *testing.T) {
	h := newHarness(Options{})
	assertResponse(t, h.handle(`{"action":"shutdown"}`), protocol.Response{Status: protocol.StatusSuccess, Message: "shutting down"})
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(Options{})
	assertResponse(t, h.handle(`{"action":"frobnicate"}`), protocol.Response{Status: protocol.StatusError, Message: "Unknown action: frobnicate"})
	assertResponse(t, h.handle(`{}`), protocol.Failure("Unknown action: "))
}

func TestMalformedRequest(t *testing.T) {
	h := newHarness(Options{})
	resp := h.handle(`{"action": "transcribe",`)
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}
	if !strings.HasPrefix(resp.Message, "Invalid JSON: ") {
		t.Errorf("message = %q, want Invalid JSON prefix", resp.Message)
	}
	assertResponse(t, h.handle(`{"action":"ping"}`), protocol.Success("pong"))
}

func TestTranscribeMissingAudioPath(t *testing.T) {
	h := newHarness(Options{})
	for _, line := range []string{
		`{"action":"transcribe"}`,
		`{"action":"transcribe","audio_path":"","model":"base"}`,
	} {
		assertResponse(t, h.handle(line), protocol.Response{Status: protocol.StatusError, Message: "Missing audio_path parameter"})
	}
	if h.cache.ensures+h.cache.gets != 0 {
		t.Errorf("cache touched %d times, want 0", h.cache.ensures+h.cache.gets)
	}
	if h.eng.Loads("small") != 0 {
		t.Error("engine loaded a model for an invalid request")
	}
}

func TestTranscribeEndToEnd(t *testing.T) {
	h := newHarness(Options{})
	h.eng.SetSegments("sample.wav", engine.TextSegment("Hello"), engine.TextSegment("world"))

	resp := h.handle(`{"action":"transcribe","audio_path":"sample.wav","language":"en","model":"base"}`)
	assertResponse(t, resp, protocol.Response{Status: protocol.StatusSuccess, Text: "Hello world"})

	frame, err := resp.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(frame), "{\"status\":\"success\",\"text\":\"Hello world\"}\n"; got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}

	calls := h.eng.Calls()
	if len(calls) != 1 || calls[0] != (fake.Call{Model: "base", AudioPath: "sample.wav", Language: "en"}) {
		t.Errorf("engine calls = %+v", calls)
	}
}

func TestTranscribeEmpty(t *testing.T) {
	h := newHarness(Options{})
	resp := h.handle(`{"action":"transcribe","audio_path":"silence.wav"}`)
	assertResponse(t, resp, protocol.Response{Status: protocol.StatusError, Message: "Empty transcription"})
}

func TestTranscribeDefaults(t *testing.T) {
	h := newHarness(Options{})
	h.eng.SetSegments("a.wav", "ok")
	assertResponse(t, h.handle(`{"action":"transcribe","audio_path":"a.wav"}`), protocol.Transcript("ok"))

	if h.eng.Loads("small") != 1 {
		t.Errorf("default model not loaded: loads(small) = %d", h.eng.Loads("small"))
	}
	if calls := h.eng.Calls(); calls[0].Language != "" {
		t.Errorf("default language should reach the engine as no hint, got %q", calls[0].Language)
	}
}

func TestTranscribeConfiguredDefaults(t *testing.T) {
	h := newHarness(Options{DefaultModel: "tiny", DefaultLanguage: "de"})
	h.eng.SetSegments("a.wav", "gut")
	assertResponse(t, h.handle(`{"action":"transcribe","audio_path":"a.wav"}`), protocol.Transcript("gut"))

	calls := h.eng.Calls()
	if calls[0].Model != "tiny" || calls[0].Language != "de" {
		t.Errorf("call = %+v, want tiny/de", calls[0])
	}
}

func TestTranscribeLoadFailure(t *testing.T) {
	h := newHarness(Options{})
	h.eng.FailLoad("large-v3", errors.New("out of memory"))

	resp := h.handle(`{"action":"transcribe","audio_path":"a.wav","model":"large-v3"}`)
	assertResponse(t, resp, protocol.Failure("Failed to load model"))
	if len(h.eng.Calls()) != 0 {
		t.Error("transcription attempted after a failed load")
	}
	if _, ok := h.cache.Cache.Get("large-v3"); ok {
		t.Error("failed load left a cache entry")
	}
}

func TestTranscribeEngineError(t *testing.T) {
	h := newHarness(Options{})
	h.eng.FailTranscribe("bad.wav", errors.New("not a WAV file"))

	resp := h.handle(`{"action":"transcribe","audio_path":"bad.wav"}`)
	assertResponse(t, resp, protocol.Failure("Transcription error: not a WAV file"))

	// The channel stays usable and the model stays cached.
	h.eng.SetSegments("good.wav", "fine")
	assertResponse(t, h.handle(`{"action":"transcribe","audio_path":"good.wav"}`), protocol.Transcript("fine"))
	if h.eng.Loads("small") != 1 {
		t.Errorf("loads(small) = %d, want 1", h.eng.Loads("small"))
	}
}

func TestLoadModel(t *testing.T) {
	h := newHarness(Options{})
	assertResponse(t, h.handle(`{"action":"load_model","model":"base"}`), protocol.Success("Model 'base' loaded"))
	assertResponse(t, h.handle(`{"action":"load_model","model":"base"}`), protocol.Success("Model 'base' loaded"))
	assertResponse(t, h.handle(`{"action":"load_model"}`), protocol.Success("Model 'small' loaded"))

	if h.eng.Loads("base") != 1 {
		t.Errorf("loads(base) = %d, want 1", h.eng.Loads("base"))
	}
	if len(h.eng.Calls()) != 0 {
		t.Error("load_model should not transcribe")
	}
}

func TestLoadModelFailure(t *testing.T) {
	h := newHarness(Options{})
	h.eng.FailLoad("nope", errors.New("unknown model"))
	assertResponse(t, h.handle(`{"action":"load_model","model":"nope"}`), protocol.Failure("Failed to load model"))
}

type panickingTranscriber struct{}

func (panickingTranscriber) Transcribe(engine.Model, string, string, string) (string, error) {
	panic("index out of range")
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	eng := fake.New()
	rec := &diag.Recorder{}
	d := New(cache.New(eng, 1, rec), panickingTranscriber{}, rec, Options{})

	resp := d.Handle([]byte(`{"action":"transcribe","audio_path":"a.wav"}`))
	if resp.Status != protocol.StatusError {
		t.Fatalf("status = %q, want error", resp.Status)
	}
	if resp.Message != "Request handling error: index out of range" {
		t.Errorf("message = %q", resp.Message)
	}
	if !strings.Contains(resp.Traceback, "goroutine") {
		t.Errorf("traceback missing stack: %q", resp.Traceback)
	}

	// Still serving afterwards.
	if got := d.Handle([]byte(`{"action":"ping"}`)); got != protocol.Success("pong") {
		t.Errorf("ping after panic = %+v", got)
	}
}

func TestDiagnosticsNeverCarryResponses(t *testing.T) {
	h := newHarness(Options{})
	h.handle(`{"action":"ping"}`)
	for _, ev := range h.rec.Events() {
		if ev.Status == protocol.StatusSuccess {
			t.Errorf("diagnostic event with success status: %+v", ev)
		}
	}
}

func TestUnusedFieldTypesAreIgnored(t *testing.T) {
	h := newHarness(Options{})
	assertResponse(t, h.handle(`{"action":"ping","audio_path":7}`), protocol.Success("pong"))
	assertResponse(t, h.handle(`{"action":"shutdown","model":["base"],"language":1}`), protocol.Success("shutting down"))
	assertResponse(t, h.handle(`{"action":5}`), protocol.Failure("Unknown action: 5"))
	assertResponse(t, h.handle(`{"action":null}`), protocol.Failure("Unknown action: "))
}

func TestUsedFieldTypesAreValidated(t *testing.T) {
	h := newHarness(Options{})
	h.eng.SetSegments("a.wav", "ok")

	tests := []struct {
		line string
		want string
	}{
		{`{"action":"transcribe","audio_path":7}`, "Invalid audio_path parameter: expected a string"},
		{`{"action":"transcribe","audio_path":"a.wav","model":3}`, "Invalid model parameter: expected a string"},
		{`{"action":"transcribe","audio_path":"a.wav","language":{"code":"en"}}`, "Invalid language parameter: expected a string"},
		{`{"action":"load_model","model":true}`, "Invalid model parameter: expected a string"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assertResponse(t, h.handle(tt.line), protocol.Failure(tt.want))
		})
	}
	if h.cache.ensures+h.cache.gets != 0 {
		t.Errorf("cache touched %d times, want 0", h.cache.ensures+h.cache.gets)
	}

	// load_model ignores the fields it does not use.
	assertResponse(t, h.handle(`{"action":"load_model","model":"base","audio_path":[]}`), protocol.Success("Model 'base' loaded"))
	// Null is the same as absent.
	assertResponse(t, h.handle(`{"action":"transcribe","audio_path":"a.wav","model":null,"language":null}`), protocol.Transcript("ok"))
}

func TestAudioPathReportedAtInfo(t *testing.T) {
	h := newHarness(Options{})
	h.eng.SetSegments("clip.wav", "hi")
	h.handle(`{"action":"transcribe","audio_path":"clip.wav"}`)

	for _, ev := range h.rec.Events() {
		if ev.Message == "Audio: clip.wav" {
			if ev.Debug || ev.Status != protocol.StatusInfo {
				t.Errorf("audio event = %+v, want info level", ev)
			}
			return
		}
	}
	t.Error("no audio path event")
}
