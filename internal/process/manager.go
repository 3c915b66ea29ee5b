package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// ErrStart reports that a relay process could not be launched.
var ErrStart = errors.New("relay process failed to start")

const (
	DefaultGracePeriod = 5 * time.Second
	DefaultTailLines   = 20

	groupPollInterval = 20 * time.Millisecond
)

// Handle is a running relay process. Read returns the process's standard
// output. Stop is idempotent and safe after the process has exited.
type Handle interface {
	io.Reader
	Pid() int
	Stop() error
	Wait() error
	Done() <-chan struct{}
	StderrTail() []string
}

// Manager launches relay processes.
type Manager struct {
	Logger      *slog.Logger
	GracePeriod time.Duration
	TailLines   int
}

// Start launches cmd in its own process group. ctx only bounds the launch;
// the returned process keeps running until it exits or Stop is called.
func (m *Manager) Start(ctx context.Context, cmd Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}
	path, err := exec.LookPath(cmd.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrStart, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrStart, err)
	}

	c := exec.Command(path, cmd.Args...)
	c.Stdout = stdoutW
	c.Stderr = stderrW
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	setGroup(c)

	startErr := c.Start()
	// the child holds its own copies of the write ends
	stdoutW.Close()
	stderrW.Close()
	if startErr != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("%w: %v", ErrStart, startErr)
	}

	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := m.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	tailLines := m.TailLines
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}

	p := &proc{
		cmd:    c,
		stdout: stdoutR,
		stderr: stderrR,
		logger: logger.With("pid", c.Process.Pid),
		grace:  grace,
		tail:   newTail(tailLines),
		done:   make(chan struct{}),
	}
	p.logger.Info("relay process started", "command", cmd.Executable, "args", len(cmd.Args))
	p.logger.Debug("relay process command", "argv", cmd.String())

	p.wg.Go(p.pumpStderr)
	p.wg.Go(p.wait)
	return p, nil
}

type proc struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	logger *slog.Logger
	grace  time.Duration
	tail   *tail
	wg     conc.WaitGroup

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
	stopping atomic.Bool
}

func (p *proc) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *proc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *proc) Done() <-chan struct{} {
	return p.done
}

func (p *proc) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *proc) StderrTail() []string {
	return p.tail.lines()
}

func (p *proc) Stop() error {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.stopErr = p.terminate()
	})
	return p.stopErr
}

// terminate asks the process group to exit and kills it once the grace
// period runs out. The group is signalled even when the direct child has
// already exited, since a member may still hold the output pipes. Both read
// ends are closed before waiting on the supervising goroutines.
func (p *proc) terminate() error {
	var errs []error
	if err := signalGroup(p.cmd, false); err != nil {
		errs = append(errs, fmt.Errorf("terminate pid %d: %w", p.Pid(), err))
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	ticker := time.NewTicker(groupPollInterval)
	defer ticker.Stop()
	for exited := false; !exited; {
		select {
		case <-timer.C:
			p.logger.Warn("relay process group ignored terminate; killing", "grace", p.grace)
			if err := signalGroup(p.cmd, true); err != nil {
				errs = append(errs, fmt.Errorf("kill pid %d: %w", p.Pid(), err))
			}
			// the child may have left the group
			if !p.exited() {
				_ = p.cmd.Process.Kill()
			}
			exited = true
		case <-ticker.C:
			exited = p.exited() && !groupAlive(p.cmd)
		}
	}
	<-p.done

	for _, f := range []*os.File{p.stdout, p.stderr} {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *proc) wait() {
	err := p.cmd.Wait()
	p.waitErr = err
	switch {
	case err == nil:
		p.logger.Info("relay process exited")
	case p.stopping.Load():
		p.logger.Info("relay process stopped", "status", err.Error())
	default:
		p.logger.Warn("relay process exited with error", "error", err, "stderr_tail", p.tail.lines())
	}
	close(p.done)
}

func (p *proc) pumpStderr() {
	r := p.stderr
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.tail.add(line)
		p.logger.Debug("relay process stderr", "line", line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("relay process stderr unreadable", "error", err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// tail keeps the most recent stderr lines.
type tail struct {
	mu    sync.Mutex
	max   int
	items []string
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) == t.max {
		copy(t.items, t.items[1:])
		t.items = t.items[:t.max-1]
	}
	t.items = append(t.items, line)
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.items...)
}
