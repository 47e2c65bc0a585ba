package bus

import (
	"encoding/json"
	"log/slog"
	"time"
)

const (
	SubjectTranscriptPartial = "transcript.partial"
	SubjectTranscriptFinal   = "transcript.final"
)

// TranscriptEvent is the wire format broadcast for downstream consumers.
type TranscriptEvent struct {
	SessionID  string    `json:"session_id"`
	Language   string    `json:"language"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher broadcasts transcripts on the bus. Satisfies the session
// package's Publisher interface.
type Publisher struct {
	client *Client
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) PublishTranscript(sessionID, language, text string, confidence float64, final bool) error {
	subject := SubjectTranscriptPartial
	if final {
		subject = SubjectTranscriptFinal
	}
	evt := TranscriptEvent{
		SessionID:  sessionID,
		Language:   language,
		Text:       text,
		Partial:    !final,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.client.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
		return err
	}
	return nil
}
