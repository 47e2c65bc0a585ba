// Package asr defines the recognizer engine boundary the gateway drives.
// Model data is loaded once and shared read-only; recognizer state is owned
// by exactly one session or batch call and never shared.
package asr

import "math"

// Model is an opaque handle to shared acoustic and language model data.
// Handles are safe for concurrent use by many recognizers.
type Model interface {
	Name() string
}

// SpeakerModel is an opaque handle to a speaker-embedding sub-model.
type SpeakerModel interface {
	Name() string
}

// SpeakerEmbedding is the diarization vector the engine reports for a
// finalized segment.
type SpeakerEmbedding struct {
	XVector []float64
	Frames  int
}

// Result is the engine's finalized output for one segment.
type Result struct {
	Text       string
	Confidence float64
	Start      float64
	Speaker    *SpeakerEmbedding
}

// Recognizer is mutable per-session decoder state bound to one Model.
type Recognizer interface {
	// Accept feeds one audio frame of 16-bit little-endian mono PCM.
	// It returns true when the engine judges the current segment complete.
	Accept(data []byte) (bool, error)

	// Partial returns the current revisable hypothesis for the in-progress
	// segment.
	Partial() (string, error)

	// Final returns the completed transcript for the concluded segment and
	// resets the recognizer for the next one.
	Final() (Result, error)

	// AttachSpeakerModel enables diarization output. It may only be called
	// before the first Accept.
	AttachSpeakerModel(sm SpeakerModel) error

	Close() error
}

// Engine creates models and recognizer state. Implementations must allow
// many recognizers to share one Model without locking.
type Engine interface {
	LoadModel(path string) (Model, error)
	LoadSpeakerModel(path string) (SpeakerModel, error)
	NewRecognizer(m Model, sampleRate int) (Recognizer, error)
}

// Distance returns the cosine distance 1 - dot(a,b)/(|a||b|) between two
// speaker embeddings. Used by downstream speaker matching, not by the
// gateway itself. Zero-norm inputs yield the maximum distance.
func Distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
