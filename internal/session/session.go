// Package session implements the per-connection streaming transcription
// state machine: read one audio frame, feed the recognizer, emit at most one
// result frame, repeat. Sessions are fully isolated from one another; the
// only shared data is the read-only model behind the recognizer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/frame"
)

// State is the session lifecycle position.
type State int32

const (
	StateAuthenticating State = iota
	StateActive
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrMalformedFrame is returned by transports when a client sends something
// other than a binary audio frame.
var ErrMalformedFrame = errors.New("malformed inbound frame")

// Transport is the duplex channel a session reads audio from and writes
// result frames to. ReadFrame returns io.EOF on a clean close by either
// side.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, f frame.Frame) error
	Close() error
}

// Sink persists finalized transcripts.
type Sink interface {
	SaveTranscript(ctx context.Context, sessionID, language, transcript string, confidence, duration float64) error
}

// Publisher broadcasts transcripts to downstream consumers.
type Publisher interface {
	PublishTranscript(sessionID, language, transcript string, confidence float64, final bool) error
}

// Config assembles a session's collaborators. Recognizer and Transport are
// exclusively owned by the session and released on teardown.
type Config struct {
	ID         string
	Language   string
	Size       string
	Recognizer asr.Recognizer
	Transport  Transport
	Logger     *slog.Logger
	Sink       Sink
	Publisher  Publisher
	// PublishInterim forwards partial hypotheses to the publisher as well.
	PublishInterim bool
	Metrics        *Metrics
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

type Session struct {
	id             string
	language       string
	size           string
	rec            asr.Recognizer
	tr             Transport
	log            *slog.Logger
	sink           Sink
	publisher      Publisher
	publishInterim bool
	metrics        *Metrics
	clock          func() time.Time

	state        atomic.Int32
	segmentStart time.Time
}

// New wires up a session. The caller has already authenticated the
// connection and resolved the model; the session starts past its
// authenticating state as soon as Run is entered.
func New(cfg Config) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:             cfg.ID,
		language:       cfg.Language,
		size:           cfg.Size,
		rec:            cfg.Recognizer,
		tr:             cfg.Transport,
		log:            log.With(slog.String("session", cfg.ID), slog.String("language", cfg.Language)),
		sink:           cfg.Sink,
		publisher:      cfg.Publisher,
		publishInterim: cfg.PublishInterim,
		metrics:        cfg.Metrics,
		clock:          clock,
	}
	s.state.Store(int32(StateAuthenticating))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ingest outcomes. Explicit tags keep the state machine free of
// exception-style control flow.
type outcomeKind int

const (
	outcomePartial outcomeKind = iota
	outcomeFinal
	outcomeFault
)

type outcome struct {
	kind       outcomeKind
	text       string
	confidence float64
	start      float64
	err        error
}

// Run drives the ingest loop until the transport closes or faults. Results
// are emitted strictly in arrival order; each inbound frame produces at most
// one outbound frame before the next read.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	s.setState(StateActive)
	s.segmentStart = s.clock()
	s.log.Info("session started", slog.String("size", s.size))

	if s.metrics != nil {
		s.metrics.Active.Add(ctx, 1)
		defer s.metrics.Active.Add(ctx, -1)
	}

	for {
		data, err := s.tr.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				s.setState(StateClosing)
				s.log.Info("session closed")
				s.setState(StateClosed)
				return nil
			}
			s.setState(StateError)
			s.log.Error("transport fault", slog.String("error", err.Error()))
			return fmt.Errorf("read frame: %w", err)
		}
		if s.metrics != nil {
			s.metrics.FramesIn.Add(ctx, 1)
		}

		out := s.ingest(data)
		if err := s.emit(ctx, out); err != nil {
			s.setState(StateError)
			s.log.Error("emit failed", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Session) ingest(data []byte) outcome {
	complete, err := s.rec.Accept(data)
	if err != nil {
		return outcome{kind: outcomeFault, err: err}
	}
	if complete {
		res, err := s.rec.Final()
		if err != nil {
			return outcome{kind: outcomeFault, err: err}
		}
		return outcome{kind: outcomeFinal, text: res.Text, confidence: res.Confidence, start: res.Start}
	}
	text, err := s.rec.Partial()
	if err != nil {
		return outcome{kind: outcomeFault, err: err}
	}
	return outcome{kind: outcomePartial, text: text}
}

func (s *Session) emit(ctx context.Context, out outcome) error {
	switch out.kind {
	case outcomePartial:
		// Partials are not timed; only completed segments carry a duration.
		f := frame.Partial(out.text, 0)
		if err := s.write(ctx, f); err != nil {
			return err
		}
		if s.publisher != nil && s.publishInterim && out.text != "" {
			if err := s.publisher.PublishTranscript(s.id, s.language, out.text, 0, false); err != nil {
				s.log.Warn("publish partial failed", slog.String("error", err.Error()))
			}
		}

	case outcomeFinal:
		duration := s.clock().Sub(s.segmentStart).Seconds()
		s.segmentStart = s.clock()
		if out.text == "" {
			// Finalized silence: nothing to report, but the segment clock
			// still resets.
			return nil
		}
		f := frame.Final(out.text, out.confidence, duration, out.start)
		if err := s.write(ctx, f); err != nil {
			return err
		}
		s.log.Info("segment finalized",
			slog.String("transcript", out.text),
			slog.Float64("duration", duration))
		if s.sink != nil {
			if err := s.sink.SaveTranscript(ctx, s.id, s.language, out.text, out.confidence, duration); err != nil {
				s.log.Warn("save transcript failed", slog.String("error", err.Error()))
			}
		}
		if s.publisher != nil {
			if err := s.publisher.PublishTranscript(s.id, s.language, out.text, out.confidence, true); err != nil {
				s.log.Warn("publish transcript failed", slog.String("error", err.Error()))
			}
		}

	case outcomeFault:
		// Decode failures are isolated per frame; the session stays active.
		s.log.Warn("decode failed", slog.String("error", out.err.Error()))
		if err := s.write(ctx, frame.Error("failed to decode audio")); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) write(ctx context.Context, f frame.Frame) error {
	if err := s.tr.WriteFrame(ctx, f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.metrics != nil {
		s.metrics.FramesOut.Add(ctx, 1)
	}
	return nil
}

func (s *Session) teardown() {
	if err := s.rec.Close(); err != nil {
		s.log.Warn("recognizer close failed", slog.String("error", err.Error()))
	}
	if err := s.tr.Close(); err != nil {
		s.log.Debug("transport close", slog.String("error", err.Error()))
	}
}
