package asr

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine drives an external recognizer process per session. The process
// receives line-delimited JSON requests on stdin and answers one JSON line
// per request on stdout. Model paths are handed to the process as flags, so
// the heavyweight model data lives in the child and is shared by whatever
// caching the recognizer binary does.
type execEngine struct {
	cmd []string
}

// NewExecEngine parses the recognizer command line.
func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognizer command is empty")
	}
	return &execEngine{cmd: args}, nil
}

type execModel struct{ path string }

func (m execModel) Name() string { return m.path }

type execSpeakerModel struct{ path string }

func (m execSpeakerModel) Name() string { return m.path }

func (e *execEngine) LoadModel(path string) (Model, error) {
	if path == "" {
		return nil, errors.New("model path is empty")
	}
	return execModel{path: path}, nil
}

func (e *execEngine) LoadSpeakerModel(path string) (SpeakerModel, error) {
	if path == "" {
		return nil, errors.New("speaker model path is empty")
	}
	return execSpeakerModel{path: path}, nil
}

func (e *execEngine) NewRecognizer(m Model, sampleRate int) (Recognizer, error) {
	em, ok := m.(execModel)
	if !ok {
		return nil, fmt.Errorf("model %q was not loaded by this engine", m.Name())
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &execRecognizer{
		cmd:        append([]string(nil), e.cmd...),
		modelPath:  em.path,
		sampleRate: sampleRate,
	}, nil
}

type execRequest struct {
	Accept  string `json:"accept,omitempty"`
	Partial bool   `json:"partial,omitempty"`
	Final   bool   `json:"final,omitempty"`
}

type execResponse struct {
	Complete   bool      `json:"complete"`
	Partial    string    `json:"partial"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Start      float64   `json:"start"`
	Spk        []float64 `json:"spk"`
	SpkFrames  int       `json:"spk_frames"`
	Error      string    `json:"error"`
}

type execRecognizer struct {
	cmd        []string
	modelPath  string
	spkPath    string
	sampleRate int

	mu      sync.Mutex
	proc    *exec.Cmd
	stdin   *json.Encoder
	stdinC  interface{ Close() error }
	scanner *bufio.Scanner
	stderr  bytes.Buffer
	closed  bool
}

// start launches the recognizer process. Called lazily on the first request
// so AttachSpeakerModel can still influence the command line.
func (r *execRecognizer) start() error {
	if r.proc != nil {
		return nil
	}
	if r.closed {
		return errors.New("recognizer closed")
	}
	args := append([]string(nil), r.cmd[1:]...)
	args = append(args, "--model", r.modelPath, "--rate", strconv.Itoa(r.sampleRate))
	if r.spkPath != "" {
		args = append(args, "--speaker-model", r.spkPath)
	}
	cmd := exec.Command(r.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	cmd.Stderr = &r.stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recognizer process: %w", err)
	}
	r.proc = cmd
	r.stdin = json.NewEncoder(stdin)
	r.stdinC = stdin
	r.scanner = bufio.NewScanner(stdout)
	r.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return nil
}

func (r *execRecognizer) roundTrip(req execRequest) (execResponse, error) {
	if err := r.start(); err != nil {
		return execResponse{}, err
	}
	if err := r.stdin.Encode(req); err != nil {
		return execResponse{}, fmt.Errorf("write recognizer request: %w", err)
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return execResponse{}, fmt.Errorf("read recognizer response: %w", err)
		}
		return execResponse{}, fmt.Errorf("recognizer process exited: %s", r.stderr.String())
	}
	var resp execResponse
	if err := json.Unmarshal(r.scanner.Bytes(), &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	if resp.Error != "" {
		return execResponse{}, fmt.Errorf("recognizer: %s", resp.Error)
	}
	return resp, nil
}

func (r *execRecognizer) Accept(data []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(execRequest{Accept: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return false, err
	}
	return resp.Complete, nil
}

func (r *execRecognizer) Partial() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(execRequest{Partial: true})
	if err != nil {
		return "", err
	}
	return resp.Partial, nil
}

func (r *execRecognizer) Final() (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp, err := r.roundTrip(execRequest{Final: true})
	if err != nil {
		return Result{}, err
	}
	res := Result{Text: resp.Text, Confidence: resp.Confidence, Start: resp.Start}
	if len(resp.Spk) > 0 {
		res.Speaker = &SpeakerEmbedding{XVector: resp.Spk, Frames: resp.SpkFrames}
	}
	return res, nil
}

func (r *execRecognizer) AttachSpeakerModel(sm SpeakerModel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return errors.New("speaker model must be attached before decoding starts")
	}
	esm, ok := sm.(execSpeakerModel)
	if !ok {
		return errors.New("speaker model was not loaded by this engine")
	}
	r.spkPath = esm.path
	return nil
}

func (r *execRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.proc == nil {
		return nil
	}
	_ = r.stdinC.Close()
	err := r.proc.Wait()
	r.proc = nil
	if err != nil {
		return fmt.Errorf("recognizer process: %w", err)
	}
	return nil
}
