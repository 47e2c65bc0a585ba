package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-audio/wav"
)

// extractPCM normalizes a batch request body to raw 16-bit little-endian
// mono PCM. WAV containers are decoded and validated against the configured
// sample rate; anything else is treated as raw PCM.
func extractPCM(body []byte, contentType string, sampleRate int) ([]byte, error) {
	if isWAV(body, contentType) {
		return decodeWAV(body, sampleRate)
	}
	if len(body) == 0 {
		return nil, errors.New("empty audio payload")
	}
	if len(body)%2 != 0 {
		return nil, errors.New("raw PCM payload must be 16-bit aligned")
	}
	return body, nil
}

func isWAV(body []byte, contentType string) bool {
	if contentType == "audio/wav" || contentType == "audio/x-wav" || contentType == "audio/wave" {
		return true
	}
	return len(body) >= 12 && bytes.HasPrefix(body, []byte("RIFF")) && bytes.Equal(body[8:12], []byte("WAVE"))
}

func decodeWAV(body []byte, sampleRate int) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(body))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, errors.New("invalid wav container")
	}
	if int(dec.SampleRate) != sampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		return nil, fmt.Errorf("audio must be %d Hz mono 16-bit PCM", sampleRate)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, nil
}
