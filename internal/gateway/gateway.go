// Package gateway exposes the transcription service over HTTP: a WebSocket
// endpoint for streaming sessions and a request/response endpoint for batch
// transcription.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scribelabs/scribe/internal/asr"
	"github.com/scribelabs/scribe/internal/auth"
	"github.com/scribelabs/scribe/internal/batch"
	"github.com/scribelabs/scribe/internal/config"
	"github.com/scribelabs/scribe/internal/frame"
	"github.com/scribelabs/scribe/internal/registry"
	"github.com/scribelabs/scribe/internal/session"
)

// Options assembles the gateway's collaborators.
type Options struct {
	Auth      config.AuthConfig
	Stream    config.StreamConfig
	Models    config.ModelsConfig
	Registry  *registry.Registry
	Speaker   asr.SpeakerModel
	Sink      session.Sink
	Publisher session.Publisher
	// PublishInterim forwards partial hypotheses to the publisher.
	PublishInterim bool
	Metrics        *session.Metrics
	Logger         *slog.Logger
}

type Gateway struct {
	opts     Options
	authn    *auth.Authenticator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		opts:  opts,
		authn: auth.New(opts.Auth.Secret),
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The shared secret is the access control; origins are open like
			// the rest of the API surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the gateway endpoints.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/listen", g.handleListen)
	mux.HandleFunc("/v1/transcribe", g.handleTranscribe)
}

// credential pulls the token from the request according to the configured
// extraction strategy.
func (g *Gateway) credential(r *http.Request) string {
	if g.opts.Auth.QueryToken {
		if v := r.URL.Query().Get(g.opts.Auth.QueryParam); v != "" {
			return auth.TokenFromQuery(v)
		}
	}
	return auth.TokenFromHeader(r.Header.Get("Authorization"))
}

// handleListen upgrades to WebSocket and runs one streaming session.
// Authentication failures close the socket with a policy-violation code
// before any audio is read.
func (g *Gateway) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	if !g.authn.Authenticate(g.credential(r)) {
		g.log.Warn("connection rejected: invalid credentials", slog.String("remote", r.RemoteAddr))
		g.closeWith(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return
	}

	q := r.URL.Query()
	language := q.Get("language")
	if language == "" {
		language = g.opts.Models.DefaultLanguage
	}
	tmpl, err := g.opts.Registry.Resolve(language, q.Get("size"))
	if err != nil {
		if errors.Is(err, registry.ErrUnsupportedLanguage) {
			_ = conn.WriteJSON(frame.Error("Unsupported language"))
			g.closeWith(conn, websocket.CloseNormalClosure, "unsupported language")
			return
		}
		g.log.Error("model resolution failed", slog.String("error", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "model unavailable")
		return
	}

	rec, err := tmpl.NewRecognizer()
	if err != nil {
		g.log.Error("recognizer construction failed", slog.String("error", err.Error()))
		g.closeWith(conn, websocket.CloseInternalServerErr, "recognizer unavailable")
		return
	}

	if g.opts.Stream.MaxMessageBytes > 0 {
		conn.SetReadLimit(g.opts.Stream.MaxMessageBytes)
	}

	sess := session.New(session.Config{
		ID:             uuid.NewString(),
		Language:       tmpl.Language,
		Size:           tmpl.Size,
		Recognizer:     rec,
		Transport:      &wsTransport{conn: conn, idle: time.Duration(g.opts.Stream.IdleTimeoutMS) * time.Millisecond},
		Logger:         g.log,
		Sink:           g.opts.Sink,
		Publisher:      g.opts.Publisher,
		PublishInterim: g.opts.PublishInterim,
		Metrics:        g.opts.Metrics,
	})
	_ = sess.Run(r.Context())
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// wsTransport adapts a gorilla websocket connection to the session
// Transport. Clean closes surface as io.EOF; non-binary inbound messages
// are malformed.
type wsTransport struct {
	conn *websocket.Conn
	idle time.Duration
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if t.idle > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
	}
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, session.ErrMalformedFrame
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f frame.Frame) error {
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleTranscribe runs one batch transcription over a complete buffer.
func (g *Gateway) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, frame.Error("Method not allowed"))
		return
	}

	if !g.authn.Authenticate(g.credential(r)) {
		writeJSON(w, http.StatusUnauthorized, frame.Error("Unauthorized"))
		return
	}

	q := r.URL.Query()
	language := q.Get("language")
	if language == "" {
		language = g.opts.Models.DefaultLanguage
	}
	diarize := q.Get("diarize") == "true" || q.Get("diarize") == "1"

	tmpl, err := g.opts.Registry.Resolve(language, q.Get("size"))
	if err != nil {
		if errors.Is(err, registry.ErrUnsupportedLanguage) {
			writeJSON(w, http.StatusBadRequest, frame.Error("Unsupported language"))
			return
		}
		g.log.Error("model resolution failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, frame.Error("Internal server error"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.Stream.MaxBatchBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, frame.Error("Request body too large or unreadable"))
		return
	}

	pcm, err := extractPCM(body, r.Header.Get("Content-Type"), g.opts.Models.SampleRate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, frame.Error(err.Error()))
		return
	}

	t, err := batch.NewTranscriber(tmpl, diarize, g.opts.Speaker, g.log)
	if err != nil {
		g.log.Error("batch transcriber construction failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, frame.Error("Internal server error"))
		return
	}

	result := t.Transcribe(pcm)
	if result.Err != "" {
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
