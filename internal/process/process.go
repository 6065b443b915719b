package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kidcam/camhls/internal/logging"
)

// Default termination timeouts.
const (
	DefaultGracefulTimeout = 5 * time.Second
	DefaultKillTimeout     = 5 * time.Second
)

// ErrKillFailed is returned when a process survives SIGKILL for longer than the kill timeout.
var ErrKillFailed = errors.New("process did not exit after SIGKILL")

// LogParser picks the level for one output line and may rewrite its text.
type LogParser func(line string) (slog.Level, string)

// TerminateResult describes how a process went away.
type TerminateResult struct {
	ExitCode int
	Forced   bool // SIGKILL was needed
	Err      error
}

// Process manages the lifecycle of one detached subprocess.
type Process struct {
	id              string
	args            []string
	cmd             *exec.Cmd
	logger          logging.Logger
	processLogger   logging.Logger // logger for process output (nil = use logger)
	logParser       LogParser      // parses process output for log level (nil = no parsing)
	logFile         string // output goes here instead of the pipes when set
	gracefulTimeout time.Duration
	killTimeout     time.Duration

	mu        sync.Mutex
	started   bool
	pid       int
	startedAt time.Time
	done      chan struct{}
	exitCode  int
}

// New creates a process for the given argv. Nothing runs until Start.
func New(id string, args []string, logger logging.Logger) *Process {
	return &Process{
		id:              id,
		args:            append([]string(nil), args...),
		logger:          logger,
		gracefulTimeout: DefaultGracefulTimeout,
		killTimeout:     DefaultKillTimeout,
		done:            make(chan struct{}),
	}
}

// SetLogParser sets a custom logger and log parser for process output.
func (p *Process) SetLogParser(logger logging.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// SetLogFile sends the process output to path, appending, instead of
// streaming it through the logger. The process then keeps no pipe to this
// one and survives its exit.
func (p *Process) SetLogFile(path string) {
	p.logFile = path
}

// SetTimeouts overrides the graceful and kill timeouts. Zero values keep the current setting.
func (p *Process) SetTimeouts(graceful, kill time.Duration) {
	if graceful > 0 {
		p.gracefulTimeout = graceful
	}
	if kill > 0 {
		p.killTimeout = kill
	}
}

// ID returns the identifier the process was created with.
func (p *Process) ID() string {
	return p.id
}

// PID returns the OS process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code. Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Start spawns the subprocess and returns immediately. A supervision goroutine
// streams its output and reaps it; Done is closed when it exits.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("process %s already started", p.id)
	}
	if len(p.args) == 0 {
		return fmt.Errorf("empty command")
	}

	p.cmd = exec.Command(p.args[0], p.args[1:]...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr io.Reader
	if p.logFile != "" {
		f, err := os.OpenFile(p.logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close() // the child holds its own descriptor
		p.cmd.Stdout = f
		p.cmd.Stderr = f
	} else {
		var err error
		if stdout, err = p.cmd.StdoutPipe(); err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		if stderr, err = p.cmd.StderrPipe(); err != nil {
			return fmt.Errorf("create stderr pipe: %w", err)
		}
	}

	if err := p.cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err, "binary", p.args[0])
		return err
	}

	p.started = true
	p.pid = p.cmd.Process.Pid
	p.startedAt = time.Now()
	p.logger.Info("Process started", "id", p.id, "pid", p.pid)

	go p.supervise(stdout, stderr)
	return nil
}

// supervise drains output, then reaps the process. Pipes must be fully read
// before Wait, which closes them. Nil readers mean output goes to a file.
func (p *Process) supervise(stdout, stderr io.Reader) {
	if stdout != nil {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.streamOutput(stdout, "stdout")
		}()
		go func() {
			defer wg.Done()
			p.streamOutput(stderr, "stderr")
		}()
		wg.Wait()
	}

	err := p.cmd.Wait()
	code := exitCodeFromError(err)

	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()

	if err != nil && code == 1 {
		p.logger.Debug("Process exited with error", "id", p.id, "error", err)
	}
	p.logger.Info("Process exited", "id", p.id, "pid", p.pid, "exit_code", code)
	close(p.done)
}

// Terminate stops the process: SIGINT to the process group, a wait of up to
// timeout (the graceful timeout when zero), then SIGKILL. It never blocks for
// longer than timeout plus the kill timeout.
func (p *Process) Terminate(timeout time.Duration) TerminateResult {
	p.mu.Lock()
	started, pid := p.started, p.pid
	p.mu.Unlock()

	if !started {
		return TerminateResult{}
	}
	if p.Exited() {
		return TerminateResult{ExitCode: p.ExitCode()}
	}
	if timeout <= 0 {
		timeout = p.gracefulTimeout
	}

	p.logger.Info("Sending SIGINT to process", "id", p.id, "pid", pid)
	if err := signalGroup(pid, syscall.SIGINT); err != nil {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "pid", pid, "error", err)
	}

	select {
	case <-p.done:
		return TerminateResult{ExitCode: p.ExitCode()}
	case <-time.After(timeout):
	}

	p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "pid", pid, "timeout", timeout)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		p.logger.Error("Failed to kill process", "id", p.id, "pid", pid, "error", err)
	}

	select {
	case <-p.done:
		return TerminateResult{ExitCode: p.ExitCode(), Forced: true}
	case <-time.After(p.killTimeout):
		p.logger.Error("Process did not exit after kill signal", "id", p.id, "pid", pid)
		return TerminateResult{ExitCode: 137, Forced: true, Err: ErrKillFailed}
	}
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
// A process killed by a signal reports 128+signal.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// streamOutput forwards subprocess output to the logger.
func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := slog.LevelInfo, line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}

		switch {
		case level >= slog.LevelError:
			logger.Error(msg, "id", p.id)
		case level >= slog.LevelWarn:
			logger.Warn(msg, "id", p.id)
		case level >= slog.LevelInfo:
			logger.Info(msg, "id", p.id)
		default:
			logger.Debug(msg, "id", p.id)
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
	}
}
