package cryptobridge

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/qqmusic_downloader/internal/logctx"
)

const (
	actionEncrypt = "encrypt"
	actionDecrypt = "decrypt"

	defaultTimeout = 15 * time.Second
	stopGrace      = time.Second
)

// Sidecar runs the crypto tool as a persistent child process speaking one JSON
// object per line on stdin/stdout. Round trips are serialized; a dead process is
// restarted on the next call.
type Sidecar struct {
	name    string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	proc *process
}

type Option func(*Sidecar)

// WithTimeout bounds a single request/response round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *Sidecar) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger for process lifecycle and stderr output. It
// defaults to slog.Default() at construction.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sidecar) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithDir(dir string) Option {
	return func(s *Sidecar) { s.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(s *Sidecar) { s.env = append(s.env, env...) }
}

// NewSidecar runs an arbitrary command as the sidecar.
func NewSidecar(name string, args []string, opts ...Option) *Sidecar {
	s := &Sidecar{
		name:    name,
		args:    args,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewNodeSidecar runs `node <script> --server` from the script's directory.
func NewNodeSidecar(nodePath, scriptPath string, opts ...Option) *Sidecar {
	opts = append([]Option{WithDir(filepath.Dir(scriptPath))}, opts...)

	return NewSidecar(nodePath, []string{filepath.Base(scriptPath), "--server"}, opts...)
}

var _ Bridge = (*Sidecar)(nil)

func (s *Sidecar) Encrypt(ctx context.Context, plain string) (Envelope, error) {
	data, err := s.roundTrip(ctx, map[string]string{"action": actionEncrypt, "plain": plain})
	if err != nil {
		return Envelope{}, err
	}

	var out struct {
		Body *string `json:"body"`
		Sign *string `json:"sign"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Body == nil || out.Sign == nil {
		return Envelope{}, &SidecarError{Action: actionEncrypt, Reason: "response is missing body/sign", Err: err}
	}

	return Envelope{Body: *out.Body, Sign: *out.Sign}, nil
}

func (s *Sidecar) Decrypt(ctx context.Context, blob []byte) (Decrypted, error) {
	data, err := s.roundTrip(ctx, map[string]string{
		"action": actionDecrypt,
		"base64": base64.StdEncoding.EncodeToString(blob),
	})
	if err != nil {
		return Decrypted{}, err
	}

	var out struct {
		Text *string         `json:"text"`
		JSON json.RawMessage `json:"json"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Text == nil {
		return Decrypted{}, &SidecarError{Action: actionDecrypt, Reason: "response is missing text", Err: err}
	}

	res := Decrypted{Text: *out.Text}

	switch raw := strings.TrimSpace(string(out.JSON)); {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, "{"):
		res.JSON = out.JSON
	default:
		return Decrypted{}, &SidecarError{Action: actionDecrypt, Reason: "json field is not an object"}
	}

	return res, nil
}

// Close terminates the sidecar process, if running.
func (s *Sidecar) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(stopGrace)

	return nil
}

func (s *Sidecar) roundTrip(ctx context.Context, req map[string]string) (json.RawMessage, error) {
	action := req["action"]
	logger := logctx.LoggerFromContext(ctx)

	line, err := json.Marshal(req)
	if err != nil {
		return nil, &SidecarError{Action: action, Reason: "encode request", Err: err}
	}

	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.ensureLocked()
	if err != nil {
		return nil, &SidecarError{Action: action, Reason: "start process", Err: err}
	}

	logger.Debug("sending sidecar request", "action", action)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	written := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(line)
		written <- err
	}()

	select {
	case err := <-written:
		if err != nil {
			s.stopLocked(0)

			return nil, &SidecarError{Action: action, Reason: "write request", Err: err}
		}
	case <-timer.C:
		s.stopLocked(0)

		return nil, &SidecarError{Action: action, Reason: "write request", Err: ErrTimeout}
	case <-ctx.Done():
		s.stopLocked(0)

		return nil, &SidecarError{Action: action, Reason: "write request", Err: ctx.Err()}
	}

	var resp string

	select {
	case l, ok := <-p.lines:
		if !ok {
			s.stopLocked(0)

			return nil, &SidecarError{Action: action, Reason: "read response", Err: ErrExited}
		}

		resp = l
	case <-timer.C:
		// The line protocol is out of sync once a reply is missed.
		s.stopLocked(0)

		return nil, &SidecarError{Action: action, Reason: "read response", Err: ErrTimeout}
	case <-ctx.Done():
		s.stopLocked(0)

		return nil, &SidecarError{Action: action, Reason: "read response", Err: ctx.Err()}
	}

	return decodeResponse(logger, action, resp)
}

func decodeResponse(logger *slog.Logger, action, line string) (json.RawMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, &SidecarError{Action: action, Reason: "empty response"}
	}

	var resp struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		logger.Error("unparsable sidecar response", "action", action, "response", line)

		return nil, &SidecarError{Action: action, Reason: "unparsable response", Err: err}
	}

	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}

		logger.Error("sidecar returned an error", "action", action, "error", msg)

		return nil, &SidecarError{Action: action, Reason: "sidecar error: " + msg}
	}

	if !strings.HasPrefix(strings.TrimSpace(string(resp.Data)), "{") {
		return nil, &SidecarError{Action: action, Reason: "response is missing data"}
	}

	return resp.Data, nil
}

// process is one running sidecar instance.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string   // closed when stdout reaches EOF
	quit  chan struct{} // closed when we stop listening
	done  chan struct{} // closed after the process has been reaped
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (s *Sidecar) ensureLocked() (*process, error) {
	if s.proc != nil && !s.proc.exited() {
		return s.proc, nil
	}

	s.stopLocked(0)

	logger := s.logger.With("command", s.name)

	cmd := exec.Command(s.name, s.args...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.name, err)
	}

	p := &process{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	var readers sync.WaitGroup

	readers.Add(2)

	go func() {
		defer readers.Done()
		p.readLines(stdout)
	}()

	go func() {
		defer readers.Done()
		drainStderr(logger, stderr)
	}()

	go func() {
		readers.Wait()

		if err := cmd.Wait(); err != nil {
			logger.Debug("sidecar process exited", "err", err)
		}

		close(p.done)
	}()

	logger.Info("crypto sidecar started", "pid", cmd.Process.Pid)

	s.proc = p

	return p, nil
}

func (p *process) readLines(r io.Reader) {
	defer close(p.lines)

	br := bufio.NewReader(r)

	for {
		line, err := br.ReadString('\n')
		if line != "" || err == nil {
			select {
			case p.lines <- line:
			case <-p.quit:
				return
			}
		}

		if err != nil {
			return
		}
	}
}

func drainStderr(logger *slog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			logger.Warn("sidecar stderr", "line", text)
		}
	}

	// keep the pipe empty so the child never blocks on a full stderr
	_, _ = io.Copy(io.Discard, r)
}

// stopLocked closes the current process, giving it grace to exit on its own
// after stdin is closed before killing it.
func (s *Sidecar) stopLocked(grace time.Duration) {
	p := s.proc
	if p == nil {
		return
	}

	s.proc = nil

	_ = p.stdin.Close()
	close(p.quit)

	if grace > 0 {
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
	}

	if !p.exited() && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
