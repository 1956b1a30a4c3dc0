// Package launcher runs a local generation backend as a child process.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrExited is returned by WaitReady when the process ends before it is healthy
var ErrExited = errors.New("backend process exited")

// HealthChecker reports whether the backend answers requests
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options describes the backend process
type Options struct {
	Command string
	Args    []string
	Env     map[string]string
	// VisibleDevices is exported as CUDA_VISIBLE_DEVICES when non-empty
	VisibleDevices string
	StopTimeout    time.Duration
	// OnOutput receives every line the process prints. Defaults to logging.
	OnOutput func(stream, line string)
}

// Launcher supervises one backend process
type Launcher struct {
	opts Options
	cmd  *exec.Cmd

	mu      sync.Mutex
	started bool
	done    chan struct{}
	waitErr error

	stdout *lineWriter
	stderr *lineWriter
}

// New creates a launcher. The process is not started until Start.
func New(opts Options) *Launcher {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.OnOutput == nil {
		opts.OnOutput = func(stream, line string) {
			log.Printf("[backend %s] %s", stream, line)
		}
	}
	return &Launcher{
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start launches the backend process
func (l *Launcher) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("backend process already started")
	}

	l.cmd = exec.Command(l.opts.Command, l.opts.Args...)
	l.cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if l.opts.VisibleDevices != "" {
		l.cmd.Env = append(l.cmd.Env, "CUDA_VISIBLE_DEVICES="+l.opts.VisibleDevices)
	}
	for k, v := range l.opts.Env {
		l.cmd.Env = append(l.cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	l.stdout = &lineWriter{stream: "stdout", emit: l.opts.OnOutput}
	l.stderr = &lineWriter{stream: "stderr", emit: l.opts.OnOutput}
	l.cmd.Stdout = l.stdout
	l.cmd.Stderr = l.stderr
	// Bounds Wait when a grandchild keeps the output pipes open.
	l.cmd.WaitDelay = l.opts.StopTimeout

	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start backend process: %w", err)
	}
	l.started = true

	log.Printf("Backend process started (PID: %d, CUDA_VISIBLE_DEVICES=%q)", l.cmd.Process.Pid, l.opts.VisibleDevices)

	go l.wait()

	return nil
}

func (l *Launcher) wait() {
	err := l.cmd.Wait()
	l.stdout.Flush()
	l.stderr.Flush()

	l.mu.Lock()
	l.waitErr = err
	l.mu.Unlock()

	if err != nil {
		log.Printf("Backend process exited with error: %v", err)
	} else {
		log.Println("Backend process exited cleanly")
	}
	close(l.done)
}

// Done is closed once the process has exited
func (l *Launcher) Done() <-chan struct{} {
	return l.done
}

// Err returns the exit error once Done is closed
func (l *Launcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitErr
}

// PID returns the process id, or 0 before Start
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// WaitReady polls the health endpoint until it answers, the process exits
// or ctx ends.
func (l *Launcher) WaitReady(ctx context.Context, hc HealthChecker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval*4)
		err := hc.HealthCheck(checkCtx)
		cancel()
		if err == nil {
			log.Println("Backend is ready")
			return nil
		}

		select {
		case <-l.done:
			return fmt.Errorf("%w before becoming ready: %v", ErrExited, l.Err())
		case <-ctx.Done():
			return fmt.Errorf("backend not ready: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

// Stop interrupts the process and kills it if it has not exited within
// the stop timeout.
func (l *Launcher) Stop() error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-l.done:
		return nil
	default:
	}

	log.Println("Stopping backend process...")

	if err := l.cmd.Process.Signal(os.Interrupt); err != nil {
		log.Printf("Failed to interrupt backend process: %v", err)
	}

	select {
	case <-l.done:
		return nil

	case <-time.After(l.opts.StopTimeout):
		log.Println("Backend process didn't exit, killing...")
		if err := l.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill backend process: %w", err)
		}
		<-l.done
		return fmt.Errorf("backend process killed after timeout")
	}
}

// lineWriter splits process output into lines
type lineWriter struct {
	stream string
	emit   func(stream, line string)

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(w.buf[:idx], []byte{'\r'})
		w.emit(w.stream, string(line))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.stream, string(w.buf))
		w.buf = nil
	}
}
