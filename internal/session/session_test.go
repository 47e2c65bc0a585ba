package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/frame"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptTransport feeds a fixed sequence of inbound frames and records
// everything the session writes.
type scriptTransport struct {
	frames  [][]byte
	readErr error
	idx     int
	written []frame.Frame
	closed  bool
}

func (t *scriptTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if t.idx >= len(t.frames) {
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, io.EOF
	}
	f := t.frames[t.idx]
	t.idx++
	return f, nil
}

func (t *scriptTransport) WriteFrame(ctx context.Context, f frame.Frame) error {
	t.written = append(t.written, f)
	return nil
}

func (t *scriptTransport) Close() error {
	t.closed = true
	return nil
}

type recordedTranscript struct {
	sessionID  string
	language   string
	transcript string
	final      bool
}

type fakeSink struct{ saved []recordedTranscript }

func (s *fakeSink) SaveTranscript(_ context.Context, sessionID, language, transcript string, _, _ float64) error {
	s.saved = append(s.saved, recordedTranscript{sessionID, language, transcript, true})
	return nil
}

type fakePublisher struct{ published []recordedTranscript }

func (p *fakePublisher) PublishTranscript(sessionID, language, transcript string, _ float64, final bool) error {
	p.published = append(p.published, recordedTranscript{sessionID, language, transcript, final})
	return nil
}

func newRecognizer(t *testing.T, engine *asr.MockEngine) asr.Recognizer {
	t.Helper()
	m, err := engine.LoadModel("test-model")
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	rec, err := engine.NewRecognizer(m, 16000)
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	return rec
}

func silence(n int) []byte { return make([]byte, n) }

func TestSilenceThenSpeech(t *testing.T) {
	engine := &asr.MockEngine{Transcripts: []string{"hello"}}
	tr := &scriptTransport{frames: [][]byte{silence(320), silence(320), silence(320), {1, 2, 3, 4}}}

	s := New(Config{
		ID:         "sess-1",
		Language:   "en",
		Size:       "small",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(tr.written) != 4 {
		t.Fatalf("expected 4 outbound frames for 4 inbound, got %d", len(tr.written))
	}
	for i := 0; i < 3; i++ {
		f := tr.written[i]
		if f.IsFinal || f.SpeechFinal {
			t.Fatalf("frame %d should be partial: %+v", i, f)
		}
		if f.Transcript() != "" {
			t.Fatalf("silence partial should have empty transcript, got %q", f.Transcript())
		}
		if f.Duration != 0 {
			t.Fatalf("partials must carry duration 0, got %f", f.Duration)
		}
	}
	last := tr.written[3]
	if !last.IsFinal || !last.SpeechFinal {
		t.Fatalf("last frame should be final: %+v", last)
	}
	if last.Transcript() != "hello" {
		t.Fatalf("expected transcript hello, got %q", last.Transcript())
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
	if !tr.closed {
		t.Fatal("transport must be released on teardown")
	}
}

func TestEmptyFinalSuppressed(t *testing.T) {
	// A finalized segment with empty text is suppressed, not emitted.
	engine := &asr.MockEngine{Transcripts: []string{""}}
	tr := &scriptTransport{frames: [][]byte{{7, 7}}}

	s := New(Config{
		ID:         "sess-2",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tr.written) != 0 {
		t.Fatalf("empty final must be suppressed, got %d frames", len(tr.written))
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestFinalDuration(t *testing.T) {
	engine := &asr.MockEngine{Transcripts: []string{"timed"}}
	tr := &scriptTransport{frames: [][]byte{{1}}}

	now := time.Unix(100, 0)
	clock := func() time.Time {
		now = now.Add(100 * time.Millisecond)
		return now
	}

	s := New(Config{
		ID:         "sess-3",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
		Clock:      clock,
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tr.written) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(tr.written))
	}
	d := tr.written[0].Duration
	if d <= 0 || d > 0.5 {
		t.Fatalf("final duration should reflect the segment clock, got %f", d)
	}
}

func TestDecodeFailureIsIsolatedPerFrame(t *testing.T) {
	engine := &asr.MockEngine{FailOnFrame: 1}
	tr := &scriptTransport{frames: [][]byte{silence(10), silence(10)}}

	s := New(Config{
		ID:         "sess-4",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tr.written) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(tr.written))
	}
	if tr.written[0].Err == "" {
		t.Fatalf("first frame should be an error frame: %+v", tr.written[0])
	}
	if tr.written[1].Err != "" {
		t.Fatalf("session should continue after a decode failure: %+v", tr.written[1])
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestTransportFaultTearsDown(t *testing.T) {
	engine := &asr.MockEngine{}
	tr := &scriptTransport{readErr: errors.New("connection reset")}

	s := New(Config{
		ID:         "sess-5",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected transport fault to surface")
	}
	if s.State() != StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}
	if !tr.closed {
		t.Fatal("transport must be released on fault")
	}
}

func TestMalformedFrameTearsDown(t *testing.T) {
	engine := &asr.MockEngine{}
	tr := &scriptTransport{readErr: ErrMalformedFrame}

	s := New(Config{
		ID:         "sess-6",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
	if s.State() != StateError {
		t.Fatalf("expected error state, got %s", s.State())
	}
}

func TestFinalsReachSinkAndPublisher(t *testing.T) {
	engine := &asr.MockEngine{Transcripts: []string{"persist me"}, PartialText: "persist"}
	tr := &scriptTransport{frames: [][]byte{silence(4), {1, 1}}}
	sink := &fakeSink{}
	pub := &fakePublisher{}

	s := New(Config{
		ID:             "sess-7",
		Language:       "en",
		Recognizer:     newRecognizer(t, engine),
		Transport:      tr,
		Logger:         newLogger(),
		Sink:           sink,
		Publisher:      pub,
		PublishInterim: true,
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(sink.saved) != 1 || sink.saved[0].transcript != "persist me" {
		t.Fatalf("expected one saved final, got %+v", sink.saved)
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected interim + final published, got %+v", pub.published)
	}
	if pub.published[0].final || pub.published[0].transcript != "persist" {
		t.Fatalf("first publish should be the interim hypothesis: %+v", pub.published[0])
	}
	if !pub.published[1].final || pub.published[1].transcript != "persist me" {
		t.Fatalf("second publish should be the final transcript: %+v", pub.published[1])
	}
}

func TestEmptyFrameProducesWellFormedPartial(t *testing.T) {
	engine := &asr.MockEngine{}
	tr := &scriptTransport{frames: [][]byte{{}}}

	s := New(Config{
		ID:         "sess-8",
		Language:   "en",
		Recognizer: newRecognizer(t, engine),
		Transport:  tr,
		Logger:     newLogger(),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(tr.written) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(tr.written))
	}
	f := tr.written[0]
	if f.Err != "" || f.IsFinal || f.Transcript() != "" {
		t.Fatalf("empty frame should yield a well-formed empty partial: %+v", f)
	}
}
