package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"antigravity/internal/async"
	"antigravity/internal/logging"
)

const stderrLogLines = 200

// Process supervises one child MCP server speaking JSON-RPC over stdio.
type Process struct {
	command  string
	args     []string
	env      []string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logger   logging.Logger
	mu       sync.Mutex
	running  bool
	exited   chan struct{}
	waitErr  error
	errLines []string
	errMu    sync.Mutex
}

// ProcessConfig configures the child process launch.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// NewProcess creates an unstarted process supervisor.
func NewProcess(name string, cfg ProcessConfig) *Process {
	p := &Process{
		command: cfg.Command,
		args:    cfg.Args,
		logger:  logging.NewComponentLogger(fmt.Sprintf("MCPProcess[%s]", name)),
	}
	if len(cfg.Env) > 0 {
		p.env = append(p.env, os.Environ()...)
		for k, v := range cfg.Env {
			p.env = append(p.env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return p
}

// Start spawns the child and begins stderr capture.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("process already running")
	}

	resolved, err := resolveExecutable(p.command)
	if err != nil {
		return err
	}

	p.cmd = exec.CommandContext(ctx, resolved, p.args...)
	if p.env != nil {
		p.cmd.Env = p.env
	}

	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	p.running = true
	p.exited = make(chan struct{})
	p.errLines = nil
	p.logger.Info("Started %s (pid %d)", p.command, p.cmd.Process.Pid)

	async.Go(p.logger, "mcp.process.stderr", p.captureStderr)
	async.Go(p.logger, "mcp.process.wait", p.waitExit)
	return nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Stop closes stdin for graceful shutdown and kills after the timeout.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stdin := p.stdin
	exited := p.exited
	cmd := p.cmd
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Graceful shutdown timeout, killing process")
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill process: %w", err)
			}
		}
		return nil
	}
}

// Running reports whether the child is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Exited returns a channel closed when the child exits.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Write sends one framed message to the child's stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.stdin == nil {
		return fmt.Errorf("process not running")
	}
	n, err := p.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(data))
	}
	return nil
}

// Stdout returns the child's stdout reader for the client read loop.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// StderrTail returns the bounded stderr capture, newest last.
func (p *Process) StderrTail() []string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	out := make([]string, len(p.errLines))
	copy(out, p.errLines)
	return out
}

func (p *Process) captureStderr() {
	if p.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("[stderr] %s", line)
		p.errMu.Lock()
		p.errLines = append(p.errLines, line)
		if len(p.errLines) > stderrLogLines {
			p.errLines = p.errLines[len(p.errLines)-stderrLogLines:]
		}
		p.errMu.Unlock()
	}
}

func (p *Process) waitExit() {
	if p.cmd == nil {
		return
	}
	err := p.cmd.Wait()

	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.waitErr = err
	exited := p.exited
	p.mu.Unlock()

	if exited != nil {
		close(exited)
	}
	if wasRunning {
		p.logger.Error("Process exited unexpectedly: %v", err)
	} else {
		p.logger.Info("Process exited: %v", err)
	}
}
