// Package batch runs one-shot transcription over a complete audio buffer.
// Unlike a streaming session there are no partial results: one waveform in,
// one final frame out.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/frame"
	"github.com/scribelabs/scribe/internal/registry"
)

// Transcriber decodes complete buffers against one resolved model. When
// diarization is requested the speaker model must attach at construction
// time; a transcriber is either fully diarizing or not at all.
type Transcriber struct {
	rec     asr.Recognizer
	diarize bool
	log     *slog.Logger
	clock   func() time.Time
}

// NewTranscriber builds recognizer state from the template. It fails fast
// when diarization is requested but no speaker model is available or it
// cannot be attached.
func NewTranscriber(tmpl registry.Template, diarize bool, spk asr.SpeakerModel, log *slog.Logger) (*Transcriber, error) {
	rec, err := tmpl.NewRecognizer()
	if err != nil {
		return nil, fmt.Errorf("construct recognizer: %w", err)
	}
	if diarize {
		if spk == nil {
			rec.Close()
			return nil, errors.New("diarization requested but no speaker model is loaded")
		}
		if err := rec.AttachSpeakerModel(spk); err != nil {
			rec.Close()
			return nil, fmt.Errorf("attach speaker model: %w", err)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transcriber{rec: rec, diarize: diarize, log: log, clock: time.Now}, nil
}

// Transcribe submits the whole buffer as one waveform and requests the
// finalized result. The buffer must already be 16-bit mono PCM at the
// configured rate; decode faults map to an error frame, never a panic.
func (t *Transcriber) Transcribe(audio []byte) frame.Frame {
	defer t.rec.Close()

	started := t.clock()
	complete, err := t.rec.Accept(audio)
	if err != nil {
		t.log.Warn("batch decode failed", slog.String("error", err.Error()))
		return frame.Error("Failed to transcribe audio")
	}
	if !complete {
		// The engine never judged the segment finished; report explicitly
		// rather than fabricating an empty success.
		return frame.Error("Failed to transcribe audio")
	}
	res, err := t.rec.Final()
	if err != nil {
		t.log.Warn("batch finalize failed", slog.String("error", err.Error()))
		return frame.Error("Failed to transcribe audio")
	}

	elapsed := t.clock().Sub(started).Seconds()
	f := frame.Final(res.Text, res.Confidence, elapsed, res.Start)
	if t.diarize && res.Speaker != nil {
		f = f.WithSpeaker(res.Speaker.XVector, res.Speaker.Frames)
	}
	return f
}
