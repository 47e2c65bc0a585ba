package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/config"
	"github.com/scribelabs/scribe/internal/frame"
	"github.com/scribelabs/scribe/internal/registry"
)

const testSecret = "s3cret"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testModels() config.ModelsConfig {
	return config.ModelsConfig{
		Engine:     "mock",
		SampleRate: 16000,
		Paths: map[string]map[string]string{
			"en": {"small": "./models/en-small"},
			"es": {"small": "./models/es-small"},
		},
		DefaultLanguage: "en",
		DefaultSize:     "small",
	}
}

func newTestServer(t *testing.T, engine *asr.MockEngine, mutate func(*Options)) *httptest.Server {
	t.Helper()
	models := testModels()
	reg, err := registry.New(engine, models, newLogger())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	opts := Options{
		Auth:     config.AuthConfig{Secret: testSecret, QueryParam: "token"},
		Stream:   config.StreamConfig{MaxMessageBytes: 1 << 20, IdleTimeoutMS: 5000, MaxBatchBytes: 1 << 20},
		Models:   models,
		Registry: reg,
		Logger:   newLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	g := New(opts)
	mux := http.NewServeMux()
	g.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+testSecret)
	return h
}

func readFrame(t *testing.T, conn *websocket.Conn) frame.Frame {
	t.Helper()
	var f frame.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestListenRejectsInvalidCredentials(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)

	h := http.Header{}
	h.Set("Authorization", "Token wrong")
	conn := dial(t, srv, "/v1/listen", h)

	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestListenUnsupportedLanguage(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	conn := dial(t, srv, "/v1/listen?language=fr", authHeader())

	f := readFrame(t, conn)
	if f.Err != "Unsupported language" {
		t.Fatalf("expected error frame, got %+v", f)
	}
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after error frame, got %v", err)
	}
}

func TestListenStreaming(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{Transcripts: []string{"hello"}}, nil)
	conn := dial(t, srv, "/v1/listen", authHeader())

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("send silence: %v", err)
	}
	partial := readFrame(t, conn)
	if partial.IsFinal || partial.Err != "" {
		t.Fatalf("expected partial frame, got %+v", partial)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send speech: %v", err)
	}
	final := readFrame(t, conn)
	if !final.IsFinal || final.Transcript() != "hello" {
		t.Fatalf("expected final hello, got %+v", final)
	}

	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		t.Fatalf("send close: %v", err)
	}
}

func TestListenQueryTokenAuth(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{Transcripts: []string{"hi"}}, func(o *Options) {
		o.Auth.QueryToken = true
	})
	token := base64.StdEncoding.EncodeToString([]byte(testSecret))
	conn := dial(t, srv, "/v1/listen?token="+token, nil)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1}); err != nil {
		t.Fatalf("send speech: %v", err)
	}
	final := readFrame(t, conn)
	if !final.IsFinal || final.Transcript() != "hi" {
		t.Fatalf("expected final hi, got %+v", final)
	}
}

func TestListenTextFrameTearsDown(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	conn := dial(t, srv, "/v1/listen", authHeader())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not audio")); err != nil {
		t.Fatalf("send text: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected server to drop the connection after a text frame")
	}
}

func postAudio(t *testing.T, srv *httptest.Server, path, contentType string, body []byte, header http.Header) (*http.Response, frame.Frame) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var f frame.Frame
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, f
}

func TestTranscribeRawPCM(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{Transcripts: []string{"test"}}, nil)

	resp, f := postAudio(t, srv, "/v1/transcribe", "application/octet-stream", []byte{1, 2, 3, 4}, authHeader())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !f.IsFinal || f.Transcript() != "test" {
		t.Fatalf("expected final test, got %+v", f)
	}
}

func TestTranscribeUnauthorized(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	resp, f := postAudio(t, srv, "/v1/transcribe", "", []byte{1, 2}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if f.Err != "Unauthorized" {
		t.Fatalf("unexpected body: %+v", f)
	}
}

func TestTranscribeMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	resp, err := http.Get(srv.URL + "/v1/transcribe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestTranscribeUnsupportedLanguage(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	resp, f := postAudio(t, srv, "/v1/transcribe?language=fr", "", []byte{1, 2}, authHeader())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if f.Err != "Unsupported language" {
		t.Fatalf("unexpected body: %+v", f)
	}
}

func TestTranscribeRejectsOddLengthPCM(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	resp, f := postAudio(t, srv, "/v1/transcribe", "application/octet-stream", []byte{1, 2, 3}, authHeader())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if f.Err == "" {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestTranscribeDecodeFailure(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{FailOnFrame: 1}, nil)
	resp, f := postAudio(t, srv, "/v1/transcribe", "application/octet-stream", []byte{1, 2}, authHeader())
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if f.Err != "Failed to transcribe audio" {
		t.Fatalf("unexpected body: %+v", f)
	}
}

func TestTranscribeDiarizeWithoutSpeakerModel(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{Transcripts: []string{"x"}}, nil)
	resp, f := postAudio(t, srv, "/v1/transcribe?diarize=true", "application/octet-stream", []byte{1, 2}, authHeader())
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if f.Err != "Internal server error" {
		t.Fatalf("unexpected body: %+v", f)
	}
}

func TestTranscribeDiarize(t *testing.T) {
	engine := &asr.MockEngine{
		Transcripts: []string{"who is speaking"},
		Embedding:   &asr.SpeakerEmbedding{XVector: []float64{0.2, 0.4}, Frames: 64},
	}
	spk, err := engine.LoadSpeakerModel("./models/spk")
	if err != nil {
		t.Fatalf("load speaker model: %v", err)
	}
	srv := newTestServer(t, engine, func(o *Options) { o.Speaker = spk })

	resp, f := postAudio(t, srv, "/v1/transcribe?diarize=1", "application/octet-stream", []byte{1, 2}, authHeader())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if f.Speaker == nil || f.Speaker.Frames != 64 {
		t.Fatalf("expected speaker embedding, got %+v", f.Speaker)
	}
}

func TestTranscribeMalformedWAV(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{}, nil)
	body := append([]byte("RIFF\x00\x00\x00\x00WAVE"), []byte("garbage")...)
	resp, f := postAudio(t, srv, "/v1/transcribe", "audio/wav", body, authHeader())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if f.Err == "" {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestTranscribeWAV(t *testing.T) {
	srv := newTestServer(t, &asr.MockEngine{Transcripts: []string{"wav works"}}, nil)
	body := encodeWAV(t, 16000, []int{100, -100, 200, -200})
	resp, f := postAudio(t, srv, "/v1/transcribe", "audio/wav", body, authHeader())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if f.Transcript() != "wav works" {
		t.Fatalf("expected transcript, got %+v", f)
	}
}
