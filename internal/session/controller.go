// Package session orchestrates a relay session: it resolves the requested
// channel, picks an account profile, rewrites the stream URL, takes the
// channel lock, launches the relay process and streams its output, and
// guarantees the process is stopped and the lock released on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"channel-relay/internal/lock"
	"channel-relay/internal/models"
	"channel-relay/internal/observability/logging"
	"channel-relay/internal/observability/metrics"
	"channel-relay/internal/process"
	"channel-relay/internal/profiles"
	"channel-relay/internal/storage"
)

const (
	DefaultUserAgent      = "Mozilla/5.0"
	DefaultLockTimeout    = 120 * time.Second
	DefaultReleaseTimeout = 5 * time.Second
)

// Catalog resolves channels by their external number.
type Catalog interface {
	ChannelByNumber(ctx context.Context, number int) (models.Channel, error)
}

// Launcher starts relay processes.
type Launcher interface {
	Start(ctx context.Context, cmd process.Command) (process.Handle, error)
}

// Config wires the controller's collaborators and policies.
type Config struct {
	Catalog  Catalog
	Locker   lock.Locker
	Launcher Launcher

	DefaultUserAgent string
	LockTimeout      time.Duration
	LockKeyPrefix    string
	// RefreshInterval enables periodic lock extension while streaming. Zero
	// disables it; the lock then expires LockTimeout after acquisition.
	RefreshInterval time.Duration
	ReleaseTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Request identifies the channel to relay and the client asking for it.
type Request struct {
	ChannelNumber int
	ClientIP      string
	UserAgent     string
}

// Controller opens relay sessions. It is safe for concurrent use; the
// channel lock is the only serialization between sessions.
type Controller struct {
	catalog  Catalog
	locker   lock.Locker
	launcher Launcher

	userAgent       string
	lockTimeout     time.Duration
	lockPrefix      string
	refreshInterval time.Duration
	releaseTimeout  time.Duration

	logger  *slog.Logger
	metrics *metrics.Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewController validates cfg and applies defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("session: catalog is required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("session: locker is required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("session: launcher is required")
	}
	if cfg.RefreshInterval < 0 {
		return nil, fmt.Errorf("session: refresh interval must not be negative, got %s", cfg.RefreshInterval)
	}

	c := &Controller{
		catalog:         cfg.Catalog,
		locker:          cfg.Locker,
		launcher:        cfg.Launcher,
		userAgent:       strings.TrimSpace(cfg.DefaultUserAgent),
		lockTimeout:     cfg.LockTimeout,
		lockPrefix:      cfg.LockKeyPrefix,
		refreshInterval: cfg.RefreshInterval,
		releaseTimeout:  cfg.ReleaseTimeout,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		sessions:        make(map[string]*Session),
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.lockTimeout <= 0 {
		c.lockTimeout = DefaultLockTimeout
	}
	if c.lockPrefix == "" {
		c.lockPrefix = lock.DefaultKeyPrefix
	}
	if c.releaseTimeout <= 0 {
		c.releaseTimeout = DefaultReleaseTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = logging.WithComponent(c.logger, "session")
	if c.metrics == nil {
		c.metrics = metrics.Default()
	}
	if c.refreshInterval > 0 && c.refreshInterval >= c.lockTimeout {
		return nil, fmt.Errorf("session: refresh interval %s must be shorter than lock timeout %s", c.refreshInterval, c.lockTimeout)
	}
	return c, nil
}

// Open runs every step up to Streaming. On success the caller owns the
// returned session and must Close it. On failure nothing is held: no process
// runs and the channel lock is not taken.
func (c *Controller) Open(ctx context.Context, req Request) (*Session, error) {
	logger := logging.WithContext(logging.ContextWithChannel(ctx, req.ChannelNumber), c.logger)

	s, f := c.open(ctx, req, logger)
	if f.err != nil {
		c.metrics.SessionEnded("failed", f.reason, false)
		level := slog.LevelWarn
		if f.reason == "channel_busy" || f.reason == "channel_not_found" {
			level = slog.LevelInfo
		}
		logger.Log(ctx, level, "relay session failed", "reason", f.reason, "error", f.err)
		return nil, f.err
	}
	return s, nil
}

func (c *Controller) open(ctx context.Context, req Request, logger *slog.Logger) (*Session, failure) {
	// Resolving
	channel, err := c.catalog.ChannelByNumber(ctx, req.ChannelNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fail("channel_not_found", ErrChannelNotFound, err)
	}
	if err != nil {
		return nil, failure{reason: "catalog", err: fmt.Errorf("resolve channel %d: %w", req.ChannelNumber, err)}
	}
	stream, ok := channel.PrimaryStream()
	if !ok {
		return nil, fail("channel_not_found", ErrChannelNotFound, nil)
	}
	if channel.StreamProfile == nil {
		return nil, fail("no_stream_profile", ErrNoStreamProfile, nil)
	}
	logger = logger.With("channel_id", channel.ID, "stream_id", stream.ID)

	// SelectingProfile
	profile, err := profiles.Select(stream.Account.Profiles)
	if err != nil {
		return nil, fail("no_eligible_profile", ErrNoEligibleProfile, err)
	}
	logger = logger.With("profile_id", profile.ID)

	// Rewriting
	streamURL, err := profiles.RewriteStream(stream, profile)
	if err != nil {
		return nil, fail("rewrite", ErrRewrite, err)
	}

	userAgent := strings.TrimSpace(channel.StreamProfile.UserAgent)
	if userAgent == "" {
		userAgent = c.userAgent
	}
	cmd, err := process.BuildCommand(*channel.StreamProfile, userAgent, streamURL)
	if err != nil {
		return nil, fail("process_start", ErrProcessStart, err)
	}

	// AcquiringLock
	key := lock.ChannelKey(c.lockPrefix, channel.ID)
	token, err := c.locker.Acquire(ctx, key, c.lockTimeout)
	if errors.Is(err, lock.ErrHeld) {
		c.metrics.ObserveLock("busy")
		return nil, fail("channel_busy", ErrChannelBusy, nil)
	}
	if err != nil {
		c.metrics.ObserveLock("error")
		return nil, fail("lock_unavailable", ErrLockUnavailable, err)
	}
	c.metrics.ObserveLock("acquired")

	// Starting
	handle, err := c.launcher.Start(ctx, cmd)
	if err != nil {
		c.metrics.ObserveProcess("start_failed")
		if releaseErr := c.release(key, token); releaseErr != nil {
			logger.Error("release lock after failed start", "error", releaseErr)
		}
		return nil, fail("process_start", ErrProcessStart, err)
	}
	c.metrics.ObserveProcess("started")

	s := &Session{
		id:          uuid.NewString(),
		ctrl:        c,
		channel:     channel,
		stream:      stream,
		profile:     profile,
		handle:      handle,
		lockKey:     key,
		token:       token,
		clientIP:    req.ClientIP,
		clientAgent: req.UserAgent,
		startedAt:   time.Now().UTC(),
	}
	s.logger = logger.With("session_id", s.id, "pid", handle.Pid())
	s.state.Store(int32(StateStreaming))
	s.startRefresh()

	c.register(s)
	c.metrics.SessionStarted()
	s.logger.Info("relay session started", "profile", profile.Name, "stream_profile", channel.StreamProfile.Name)
	return s, failure{}
}

// release drops the lock with a context detached from any request so that
// cleanup still runs after the client has gone away.
func (c *Controller) release(key, token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	err := c.locker.Release(ctx, key, token)
	switch {
	case err == nil:
		c.metrics.ObserveLock("released")
	case errors.Is(err, lock.ErrNotHeld):
		// expired and possibly re-acquired elsewhere; nothing of ours remains
		c.metrics.ObserveLock("release_stale")
		c.logger.Warn("channel lock expired before release", "key", key)
		return nil
	default:
		c.metrics.ObserveLock("release_failed")
	}
	return err
}

func (c *Controller) register(s *Session) {
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
}

func (c *Controller) unregister(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.id)
	c.mu.Unlock()
}

// Sessions lists the sessions currently streaming, oldest first.
func (c *Controller) Sessions() []models.SessionInfo {
	c.mu.RLock()
	infos := make([]models.SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		infos = append(infos, s.Info())
	}
	c.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CloseAll closes every open session. It is used during shutdown.
func (c *Controller) CloseAll() error {
	c.mu.RLock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.RUnlock()

	var errs []error
	for _, s := range open {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}
