package asr

import (
	"errors"
	"fmt"
	"sync"
)

// MockEngine is a scriptable in-process engine used by tests and by the
// "mock" engine mode. A frame containing any non-zero sample completes the
// current segment; silence keeps it accumulating.
type MockEngine struct {
	// Transcripts is the queue of final transcripts handed out for
	// successive completed segments. When exhausted, a deterministic
	// placeholder is produced.
	Transcripts []string
	// PartialText is the hypothesis surfaced while a segment accumulates.
	PartialText string
	// Confidence is attached to every final transcript.
	Confidence float64
	// Embedding is reported on finals once a speaker model is attached.
	Embedding *SpeakerEmbedding
	// FailOnFrame makes the Nth Accept call (1-based) fail, to exercise
	// decode-failure handling. Zero disables.
	FailOnFrame int
	// SpeakerLoadErr makes LoadSpeakerModel fail.
	SpeakerLoadErr error
}

type mockModel struct{ name string }

func (m mockModel) Name() string { return m.name }

type mockSpeakerModel struct{ name string }

func (m mockSpeakerModel) Name() string { return m.name }

func (e *MockEngine) LoadModel(path string) (Model, error) {
	return mockModel{name: path}, nil
}

func (e *MockEngine) LoadSpeakerModel(path string) (SpeakerModel, error) {
	if e.SpeakerLoadErr != nil {
		return nil, e.SpeakerLoadErr
	}
	return mockSpeakerModel{name: path}, nil
}

func (e *MockEngine) NewRecognizer(m Model, sampleRate int) (Recognizer, error) {
	if _, ok := m.(mockModel); !ok {
		return nil, fmt.Errorf("model %q was not loaded by this engine", m.Name())
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	queue := append([]string(nil), e.Transcripts...)
	return &mockRecognizer{engine: e, queue: queue}, nil
}

type mockRecognizer struct {
	engine       *MockEngine
	mu           sync.Mutex
	queue        []string
	frames       int
	segmentBytes int
	pending      string
	hasPending   bool
	speaker      bool
	closed       bool
}

func (r *mockRecognizer) Accept(data []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, errors.New("recognizer closed")
	}
	r.frames++
	if r.engine.FailOnFrame > 0 && r.frames == r.engine.FailOnFrame {
		return false, errors.New("decoder rejected waveform")
	}
	r.segmentBytes += len(data)
	if !containsSpeech(data) {
		return false, nil
	}
	if len(r.queue) > 0 {
		r.pending = r.queue[0]
		r.queue = r.queue[1:]
	} else {
		r.pending = fmt.Sprintf("[transcript bytes=%d]", r.segmentBytes)
	}
	r.hasPending = true
	return true, nil
}

func (r *mockRecognizer) Partial() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", errors.New("recognizer closed")
	}
	return r.engine.PartialText, nil
}

func (r *mockRecognizer) Final() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Result{}, errors.New("recognizer closed")
	}
	if !r.hasPending {
		return Result{}, errors.New("no finalized segment")
	}
	res := Result{Text: r.pending, Confidence: r.confidence()}
	if r.speaker && r.engine.Embedding != nil {
		emb := *r.engine.Embedding
		res.Speaker = &emb
	}
	r.pending = ""
	r.hasPending = false
	r.segmentBytes = 0
	return res, nil
}

func (r *mockRecognizer) confidence() float64 {
	if r.engine.Confidence > 0 {
		return r.engine.Confidence
	}
	return 1.0
}

func (r *mockRecognizer) AttachSpeakerModel(sm SpeakerModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames > 0 {
		return errors.New("speaker model must be attached before decoding starts")
	}
	if sm == nil {
		return errors.New("nil speaker model")
	}
	if _, ok := sm.(mockSpeakerModel); !ok {
		return fmt.Errorf("speaker model %q was not loaded by this engine", sm.Name())
	}
	r.speaker = true
	return nil
}

func (r *mockRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func containsSpeech(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return true
		}
	}
	return false
}
