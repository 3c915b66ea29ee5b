package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"channel-relay/internal/models"
	"channel-relay/internal/process"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateResolving State = iota
	StateSelectingProfile
	StateRewriting
	StateAcquiringLock
	StateStarting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateSelectingProfile:
		return "selecting_profile"
	case StateRewriting:
		return "rewriting"
	case StateAcquiringLock:
		return "acquiring_lock"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one client's relay of one channel. It owns the channel lock
// token and the relay process until Close.
type Session struct {
	id      string
	ctrl    *Controller
	logger  *slog.Logger
	channel models.Channel
	stream  models.Stream
	profile models.AccountProfile
	handle  process.Handle
	lockKey string
	token   string

	clientIP    string
	clientAgent string
	startedAt   time.Time

	state    atomic.Int32
	bytes    atomic.Int64
	lockLost atomic.Bool

	mu     sync.Mutex
	reason string

	refreshStop chan struct{}
	refreshWG   conc.WaitGroup

	stopOnce    sync.Once
	stopErr     error
	releaseOnce sync.Once
	releaseErr  error
	closeOnce   sync.Once
	closeErr    error
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// BytesRelayed reports how many bytes reached the client so far.
func (s *Session) BytesRelayed() int64 { return s.bytes.Load() }

// Info snapshots the session for monitoring.
func (s *Session) Info() models.SessionInfo {
	info := models.SessionInfo{
		ID:            s.id,
		ChannelID:     s.channel.ID,
		ChannelNumber: s.channel.Number,
		ChannelName:   s.channel.Name,
		StreamID:      s.stream.ID,
		ProfileID:     s.profile.ID,
		ProfileName:   s.profile.Name,
		PID:           s.handle.Pid(),
		ClientIP:      s.clientIP,
		UserAgent:     s.clientAgent,
		StartedAt:     s.startedAt,
		BytesRelayed:  s.bytes.Load(),
	}
	return info
}

// Relay copies the process output to w in chunks of process.ChunkSize,
// flushing after every write when w supports it. It returns nil when the
// process reaches EOF or the client goes away, and an error wrapping
// ErrStreamIO or ErrLockUnavailable otherwise. Relay does not release
// anything; the caller must still Close the session.
func (s *Session) Relay(ctx context.Context, w io.Writer) error {
	stop := context.AfterFunc(ctx, func() {
		if err := s.stopProcess(); err != nil {
			s.logger.Warn("stop relay process after client disconnect", "error", err)
		}
	})
	defer stop()

	var flush func() error
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		flush = rc.Flush
	}

	buf := make([]byte, process.ChunkSize)
	for {
		n, readErr := s.handle.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				s.logger.Info("client stopped reading", "error", err)
				s.finish(StateCompleted, "client_disconnect")
				return nil
			}
			if flush != nil {
				if err := flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
					s.logger.Info("client stopped reading", "error", err)
					s.finish(StateCompleted, "client_disconnect")
					return nil
				}
			}
			s.bytes.Add(int64(n))
			s.ctrl.metrics.AddBytesRelayed(int64(n))
		}
		if readErr == nil {
			continue
		}

		switch {
		case s.lockLost.Load():
			s.finish(StateFailed, "lock_lost")
			return fmt.Errorf("%w: lock lost while streaming", ErrLockUnavailable)
		case ctx.Err() != nil:
			s.logger.Info("client disconnected")
			s.finish(StateCompleted, "client_disconnect")
			return nil
		case errors.Is(readErr, io.EOF):
			if err := s.handle.Wait(); err != nil {
				s.logger.Warn("relay process ended with error", "error", err, "stderr_tail", s.handle.StderrTail())
			}
			s.finish(StateCompleted, "eof")
			return nil
		case errors.Is(readErr, os.ErrClosed):
			// stdout closed by a concurrent stop
			s.finish(StateCompleted, "stopped")
			return nil
		default:
			s.finish(StateFailed, "stream_io")
			return fmt.Errorf("%w: %w", ErrStreamIO, readErr)
		}
	}
}

// finish records the terminal state once; later calls are ignored.
func (s *Session) finish(state State, reason string) {
	if s.state.CompareAndSwap(int32(StateStreaming), int32(state)) {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
	}
}

// Close stops the relay process and releases the channel lock. Both steps
// run even if the other fails. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopRefresh()
		stopErr := s.stopProcess()
		releaseErr := s.releaseLock()
		s.closeErr = errors.Join(stopErr, releaseErr)

		s.finish(StateCompleted, "closed")
		s.ctrl.unregister(s)

		state := s.State()
		s.mu.Lock()
		reason := s.reason
		s.mu.Unlock()

		outcome := "completed"
		metricReason := ""
		if state == StateFailed {
			outcome = "failed"
			metricReason = reason
		}
		s.ctrl.metrics.SessionEnded(outcome, metricReason, true)

		attrs := []any{
			"state", state.String(),
			"reason", reason,
			"bytes", s.bytes.Load(),
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
		}
		if s.closeErr != nil {
			s.logger.Error("relay session cleanup failed", append(attrs, "error", s.closeErr)...)
			return
		}
		s.logger.Info("relay session ended", attrs...)
	})
	return s.closeErr
}

func (s *Session) stopProcess() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.handle.Stop()
		if s.stopErr != nil {
			s.ctrl.metrics.ObserveProcess("stop_failed")
			return
		}
		s.ctrl.metrics.ObserveProcess("stopped")
	})
	return s.stopErr
}

func (s *Session) releaseLock() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.ctrl.release(s.lockKey, s.token)
	})
	return s.releaseErr
}

// startRefresh keeps the lock alive while streaming when a refresh interval
// is configured. A failed extend ends the session.
func (s *Session) startRefresh() {
	interval := s.ctrl.refreshInterval
	if interval <= 0 {
		return
	}
	s.refreshStop = make(chan struct{})
	s.refreshWG.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.refreshStop:
				return
			case <-s.handle.Done():
				return
			case <-ticker.C:
			}
			if err := s.extend(); err != nil {
				s.logger.Error("channel lock lost", "error", err)
				s.lockLost.Store(true)
				if stopErr := s.stopProcess(); stopErr != nil {
					s.logger.Warn("stop relay process after lock loss", "error", stopErr)
				}
				return
			}
		}
	})
}

func (s *Session) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ctrl.releaseTimeout)
	defer cancel()
	if err := s.ctrl.locker.Extend(ctx, s.lockKey, s.token, s.ctrl.lockTimeout); err != nil {
		s.ctrl.metrics.ObserveLock("extend_failed")
		return err
	}
	s.ctrl.metrics.ObserveLock("extended")
	return nil
}

func (s *Session) stopRefresh() {
	if s.refreshStop == nil {
		return
	}
	close(s.refreshStop)
	s.refreshWG.Wait()
}
