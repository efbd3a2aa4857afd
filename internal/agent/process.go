package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/bastille/internal/logger"
)

// Spawn timeout for the ready sentinel line
const readyTimeout = 30 * time.Second

// ProcessRuntime starts agent subprocesses via os/exec
type ProcessRuntime struct {
	// Binary is the agent executable, BaseArgs its fixed arguments
	Binary   string
	BaseArgs []string
}

// NewProcessRuntime creates a runtime for the given agent binary
func NewProcessRuntime(binary string, baseArgs ...string) *ProcessRuntime {
	return &ProcessRuntime{Binary: binary, BaseArgs: baseArgs}
}

// Spawn starts the subprocess and blocks until its ready sentinel
func (r *ProcessRuntime) Spawn(ctx context.Context, req *SpawnRequest) (Handle, error) {
	if _, err := os.Stat(req.WorkingDir); err != nil {
		return nil, fmt.Errorf("workspace path does not exist: %s", req.WorkingDir)
	}

	args := append([]string{}, r.BaseArgs...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeTranscript != "" {
		args = append(args, "--resume", req.ResumeTranscript)
	}

	cmd := exec.Command(r.Binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), req.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent subprocess: %w", err)
	}

	h := newProcessHandle(cmd, stdin, stdout)
	go h.readEvents()

	if err := h.waitForReady(ctx); err != nil {
		_ = h.Kill()
		return nil, fmt.Errorf("agent failed to become ready: %w", err)
	}
	return h, nil
}

// processHandle implements Handle over an exec.Cmd
type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	eventCh chan *Event
	errCh   chan error
	doneCh  chan struct{}
	readyCh chan error

	runtimeSessionID string

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

var _ Handle = (*processHandle)(nil)

func newProcessHandle(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser) *processHandle {
	return &processHandle{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		eventCh: make(chan *Event, 100),
		errCh:   make(chan error, 1),
		doneCh:  make(chan struct{}),
		readyCh: make(chan error, 1),
	}
}

// Send writes a command to the agent's stdin, one JSON object per line
func (h *processHandle) Send(cmd *Command) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("agent handle is closed")
	}
	h.mu.RUnlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Interrupt delivers SIGINT for the abort escalation path
func (h *processHandle) Interrupt() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(syscall.SIGINT)
}

func (h *processHandle) Events() <-chan *Event { return h.eventCh }
func (h *processHandle) Errors() <-chan error  { return h.errCh }
func (h *processHandle) Done() <-chan struct{} { return h.doneCh }

func (h *processHandle) RuntimeSessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runtimeSessionID
}

// Kill forcefully terminates the subprocess
func (h *processHandle) Kill() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	return nil
}

// Close asks the agent to exit, then reaps it
func (h *processHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.stdin.Close()

	// Give the agent a moment to exit on its own before killing
	select {
	case <-h.doneCh:
	case <-time.After(2 * time.Second):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	}
	return nil
}

// waitForReady blocks until the ready sentinel arrives
func (h *processHandle) waitForReady(ctx context.Context) error {
	select {
	case err := <-h.readyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		return fmt.Errorf("timeout waiting for agent ready sentinel")
	case <-h.doneCh:
		return fmt.Errorf("agent exited before emitting ready sentinel")
	}
}

// readEvents reads JSONL events from stdout until the subprocess exits
func (h *processHandle) readEvents() {
	defer func() {
		_ = h.cmd.Wait()
		close(h.eventCh)
		close(h.doneCh)
	}()

	scanner := bufio.NewScanner(h.stdout)
	const maxScanTokenSize = 1024 * 1024
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	readySignaled := false

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			logger.Error("Agent emitted unparseable line (%d bytes): %v", len(line), err)
			continue
		}

		if event.Type == EventAgentReady {
			h.mu.Lock()
			h.runtimeSessionID = event.SessionID
			h.mu.Unlock()
			if !readySignaled {
				h.readyCh <- nil
				readySignaled = true
			}
			continue
		}

		select {
		case h.eventCh <- &event:
		default:
			// Slow consumer; drop rather than stall the agent's stdout.
			logger.Error("Agent event channel full, dropping %s event", event.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case h.errCh <- err:
		default:
		}
	}
}
