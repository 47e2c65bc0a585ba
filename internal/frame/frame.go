// Package frame defines the result frames the gateway emits to clients.
// A frame carries either a transcription payload or an error, never both.
package frame

// Alternative is one transcription hypothesis for a segment.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Channel holds the ordered hypotheses for one audio channel. The gateway
// always emits exactly one alternative; the slice is an extension point.
type Channel struct {
	Alternatives []Alternative `json:"alternatives"`
}

// Speaker carries the diarization embedding reported by the engine.
type Speaker struct {
	XVector []float64 `json:"x_vector"`
	Frames  int       `json:"frames"`
}

// Frame is the wire format for one transcription result.
type Frame struct {
	Duration    float64  `json:"duration"`
	Start       float64  `json:"start"`
	IsFinal     bool     `json:"is_final"`
	SpeechFinal bool     `json:"speech_final"`
	Channel     *Channel `json:"channel,omitempty"`
	Speaker     *Speaker `json:"speaker,omitempty"`
	Err         string   `json:"error,omitempty"`
}

// Partial builds a frame for a revisable in-progress hypothesis. Partials
// are not timed; duration and start are always zero.
func Partial(transcript string, confidence float64) Frame {
	return Frame{
		Channel: &Channel{
			Alternatives: []Alternative{{Transcript: transcript, Confidence: confidence}},
		},
	}
}

// Final builds a frame for a completed segment.
func Final(transcript string, confidence, duration, start float64) Frame {
	return Frame{
		Duration:    duration,
		Start:       start,
		IsFinal:     true,
		SpeechFinal: true,
		Channel: &Channel{
			Alternatives: []Alternative{{Transcript: transcript, Confidence: confidence}},
		},
	}
}

// Error builds an error frame. Error frames carry no channel payload.
func Error(msg string) Frame {
	return Frame{Err: msg}
}

// WithSpeaker returns a copy of f carrying a speaker embedding.
func (f Frame) WithSpeaker(xVector []float64, frames int) Frame {
	f.Speaker = &Speaker{XVector: xVector, Frames: frames}
	return f
}

// Transcript returns the first alternative's transcript, or "" for error
// frames.
func (f Frame) Transcript() string {
	if f.Channel == nil || len(f.Channel.Alternatives) == 0 {
		return ""
	}
	return f.Channel.Alternatives[0].Transcript
}
