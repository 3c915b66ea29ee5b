package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channel-relay/internal/lock"
	"channel-relay/internal/models"
	"channel-relay/internal/observability/metrics"
	"channel-relay/internal/process"
	"channel-relay/internal/storage"
)

type fakeCatalog map[int]models.Channel

func (c fakeCatalog) ChannelByNumber(_ context.Context, number int) (models.Channel, error) {
	channel, ok := c[number]
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %d: %w", number, storage.ErrNotFound)
	}
	return channel, nil
}

type countingLocker struct {
	*lock.MemoryLocker
	acquires   atomic.Int32
	releases   atomic.Int32
	extends    atomic.Int32
	acquireErr error
	extendErr  atomic.Pointer[error]
}

func newCountingLocker() *countingLocker {
	return &countingLocker{MemoryLocker: lock.NewMemoryLocker()}
}

func (l *countingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.acquires.Add(1)
	if l.acquireErr != nil {
		return "", l.acquireErr
	}
	return l.MemoryLocker.Acquire(ctx, key, ttl)
}

func (l *countingLocker) Release(ctx context.Context, key, token string) error {
	l.releases.Add(1)
	return l.MemoryLocker.Release(ctx, key, token)
}

func (l *countingLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	l.extends.Add(1)
	if errp := l.extendErr.Load(); errp != nil {
		return *errp
	}
	return l.MemoryLocker.Extend(ctx, key, token, ttl)
}

type fakeHandle struct {
	pr    *io.PipeReader
	pw    *io.PipeWriter
	done  chan struct{}
	once  sync.Once
	stops atomic.Int32
}

func newFakeHandle() *fakeHandle {
	pr, pw := io.Pipe()
	return &fakeHandle{pr: pr, pw: pw, done: make(chan struct{})}
}

func (h *fakeHandle) Read(b []byte) (int, error) { return h.pr.Read(b) }
func (h *fakeHandle) Pid() int                   { return 4242 }
func (h *fakeHandle) Done() <-chan struct{}      { return h.done }
func (h *fakeHandle) StderrTail() []string       { return nil }

func (h *fakeHandle) Wait() error {
	<-h.done
	return nil
}

func (h *fakeHandle) Stop() error {
	h.stops.Add(1)
	h.exit(os.ErrClosed)
	return nil
}

// exit ends the fake process; pending and future reads fail with err.
func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.pw.CloseWithError(err)
		close(h.done)
	})
}

// emit writes chunks as the process's stdout and then exits cleanly.
func (h *fakeHandle) emit(chunks ...string) {
	for _, chunk := range chunks {
		if _, err := h.pw.Write([]byte(chunk)); err != nil {
			return
		}
	}
	h.exit(io.EOF)
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []process.Command
	handles  []*fakeHandle
	err      error
}

func (l *fakeLauncher) Start(_ context.Context, cmd process.Command) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, cmd)
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.commands)
}

func (l *fakeLauncher) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Greater(t, len(l.handles), i)
	return l.handles[i]
}

func identityProfile() models.AccountProfile {
	return models.AccountProfile{
		ID:             100,
		Name:           "default",
		IsActive:       true,
		IsDefault:      true,
		SearchPattern:  "^(.*)$",
		ReplacePattern: "$1",
	}
}

func newsChannel() models.Channel {
	return models.Channel{
		ID:     7,
		Number: 101,
		Name:   "News",
		StreamProfile: &models.StreamProfile{
			ID:         1,
			Name:       "ffmpeg",
			Command:    "ffmpeg",
			Parameters: "-user_agent {userAgent} -i {streamUrl} -c copy -f mpegts pipe:1",
			UserAgent:  "VLC/3.0.20 LibVLC/3.0.20",
			IsActive:   true,
		},
		Streams: []models.Stream{{
			ID:   1000,
			Name: "News HD",
			URL:  "http://upstream.example/live/1000.ts",
			Account: models.Account{
				ID:       10,
				Name:     "primary",
				Profiles: []models.AccountProfile{identityProfile()},
			},
		}},
	}
}

type fixture struct {
	ctrl     *Controller
	catalog  fakeCatalog
	locker   *countingLocker
	launcher *fakeLauncher
	metrics  *metrics.Recorder
}

func newFixture(t *testing.T, channels []models.Channel, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		catalog:  fakeCatalog{},
		locker:   newCountingLocker(),
		launcher: &fakeLauncher{},
		metrics:  metrics.New(),
	}
	for _, channel := range channels {
		f.catalog[channel.Number] = channel
	}
	cfg := Config{
		Catalog:  f.catalog,
		Locker:   f.locker,
		Launcher: f.launcher,
		Metrics:  f.metrics,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	ctrl, err := NewController(cfg)
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

func (f *fixture) heldKeys(t *testing.T, channelID int64) bool {
	t.Helper()
	key := lock.ChannelKey(lock.DefaultKeyPrefix, channelID)
	token, err := f.locker.MemoryLocker.Acquire(context.Background(), key, time.Second)
	if errors.Is(err, lock.ErrHeld) {
		return true
	}
	require.NoError(t, err)
	require.NoError(t, f.locker.MemoryLocker.Release(context.Background(), key, token))
	return false
}

func TestNewControllerValidatesConfig(t *testing.T) {
	_, err := NewController(Config{})
	require.Error(t, err)

	_, err = NewController(Config{
		Catalog:         fakeCatalog{},
		Locker:          lock.NewMemoryLocker(),
		Launcher:        &fakeLauncher{},
		LockTimeout:     time.Second,
		RefreshInterval: 2 * time.Second,
	})
	require.ErrorContains(t, err, "refresh interval")
}

func TestOpenChannelWithoutStreams(t *testing.T) {
	channel := newsChannel()
	channel.Streams = nil
	f := newFixture(t, []models.Channel{channel})

	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrChannelNotFound)
	require.Contains(t, err.Error(), "no stream found")
	require.Zero(t, f.locker.acquires.Load())
	require.Zero(t, f.launcher.starts())

	_, ends := f.metrics.SessionCounts()
	require.Equal(t, uint64(1), ends[metrics.SessionLabel{Outcome: "failed", Reason: "channel_not_found"}])
}

func TestOpenUnknownChannel(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 999})
	require.ErrorIs(t, err, ErrChannelNotFound)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Zero(t, f.locker.acquires.Load())
}

func TestOpenRequiresStreamProfile(t *testing.T) {
	channel := newsChannel()
	channel.StreamProfile = nil
	f := newFixture(t, []models.Channel{channel})

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrNoStreamProfile)
	require.Zero(t, f.locker.acquires.Load())
}

func TestOpenWithoutActiveProfile(t *testing.T) {
	channel := newsChannel()
	channel.Streams[0].Account.Profiles[0].IsActive = false
	f := newFixture(t, []models.Channel{channel})

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrNoEligibleProfile)
	require.Zero(t, f.locker.acquires.Load())
	require.Zero(t, f.launcher.starts())
}

func TestOpenRewriteFailureNeverLocks(t *testing.T) {
	channel := newsChannel()
	channel.Streams[0].Account.Profiles[0].SearchPattern = `^https://only-tls/(.*)$`
	f := newFixture(t, []models.Channel{channel})

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrRewrite)
	require.Zero(t, f.locker.acquires.Load())
	require.Zero(t, f.launcher.starts())
}

func TestOpenBadTemplateNeverLocks(t *testing.T) {
	channel := newsChannel()
	channel.StreamProfile.Parameters = `-i "{streamUrl}`
	f := newFixture(t, []models.Channel{channel})

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrProcessStart)
	require.ErrorIs(t, err, process.ErrTemplate)
	require.Zero(t, f.locker.acquires.Load())
}

func TestRelayDeliversProcessOutputInOrder(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})

	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101, ClientIP: "10.0.0.5"})
	require.NoError(t, err)
	require.Equal(t, StateStreaming, s.State())
	require.True(t, f.heldKeys(t, 7))

	cmd := f.launcher.commands[0]
	require.Equal(t, "ffmpeg", cmd.Executable)
	require.Equal(t, []string{
		"-user_agent", "VLC/3.0.20 LibVLC/3.0.20",
		"-i", "http://upstream.example/live/1000.ts",
		"-c", "copy", "-f", "mpegts", "pipe:1",
	}, cmd.Args)

	chunks := []string{"chunk-1|", "chunk-2|", "chunk-3|", "chunk-4|"}
	go f.launcher.handle(t, 0).emit(chunks...)

	var body bytes.Buffer
	require.NoError(t, s.Relay(context.Background(), &body))
	require.Equal(t, "chunk-1|chunk-2|chunk-3|chunk-4|", body.String())
	require.Equal(t, StateCompleted, s.State())
	require.Equal(t, int64(body.Len()), s.BytesRelayed())

	require.NoError(t, s.Close())
	require.False(t, f.heldKeys(t, 7))
	require.Equal(t, int32(1), f.locker.releases.Load())
	require.Equal(t, int64(body.Len()), f.metrics.BytesRelayed())
	require.Zero(t, f.metrics.ActiveSessions())
}

func TestOpenFallsBackToDefaultUserAgent(t *testing.T) {
	channel := newsChannel()
	channel.StreamProfile.UserAgent = ""
	f := newFixture(t, []models.Channel{channel})

	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, DefaultUserAgent, f.launcher.commands[0].Args[1])
}

func TestOpenBusyChannelStartsNothing(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})
	_, err := f.locker.MemoryLocker.Acquire(context.Background(), lock.ChannelKey(lock.DefaultKeyPrefix, 7), time.Minute)
	require.NoError(t, err)

	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrChannelBusy)
	require.Equal(t, "resource busy, please try again later", err.Error())
	require.Zero(t, f.launcher.starts())
	require.Zero(t, f.locker.releases.Load())
}

func TestOpenLockStoreFailure(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})
	f.locker.acquireErr = errors.New("dial tcp: connection refused")

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrLockUnavailable)
	require.NotErrorIs(t, err, ErrChannelBusy)
	require.Zero(t, f.launcher.starts())
}

func TestOpenStartFailureReleasesLock(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})
	f.launcher.err = fmt.Errorf("%w: exec: \"ffmpeg\": executable file not found in $PATH", process.ErrStart)

	_, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.ErrorIs(t, err, ErrProcessStart)
	require.ErrorIs(t, err, process.ErrStart)
	require.Equal(t, int32(1), f.locker.releases.Load())
	require.False(t, f.heldKeys(t, 7))
	require.Empty(t, f.ctrl.Sessions())
}

// disconnectingWriter cancels the request after a number of chunks and fails
// every later write, like a client that hung up.
type disconnectingWriter struct {
	after  int
	cancel context.CancelFunc
	writes int
	buf    bytes.Buffer
}

func (w *disconnectingWriter) Write(p []byte) (int, error) {
	if w.writes >= w.after {
		return 0, errors.New("write: broken pipe")
	}
	w.writes++
	if w.writes == w.after {
		w.cancel()
	}
	return w.buf.Write(p)
}

func TestClientDisconnectCleansUpExactlyOnce(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := f.ctrl.Open(ctx, Request{ChannelNumber: 101})
	require.NoError(t, err)

	h := f.launcher.handle(t, 0)
	go func() {
		for i := 0; ; i++ {
			if _, err := h.pw.Write([]byte(fmt.Sprintf("chunk-%d|", i))); err != nil {
				return
			}
		}
	}()

	w := &disconnectingWriter{after: 3, cancel: cancel}
	require.NoError(t, s.Relay(ctx, w))
	require.Equal(t, "chunk-0|chunk-1|chunk-2|", w.buf.String())
	require.Equal(t, StateCompleted, s.State())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool { return h.stops.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), h.stops.Load())
	require.Equal(t, int32(1), f.locker.releases.Load())
	require.False(t, f.heldKeys(t, 7))
	require.Empty(t, f.ctrl.Sessions())
}

func TestRelayEndsWhenContextCancelledDuringStalledRead(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})
	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Relay(ctx, io.Discard) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not return after cancellation")
	}
	require.Equal(t, StateCompleted, s.State())
	require.Equal(t, int32(1), f.launcher.handle(t, 0).stops.Load())
}

func TestRelayReportsReadError(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()})
	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.NoError(t, err)

	go f.launcher.handle(t, 0).exit(errors.New("input/output error"))

	err = s.Relay(context.Background(), io.Discard)
	require.ErrorIs(t, err, ErrStreamIO)
	require.Equal(t, StateFailed, s.State())
	require.NoError(t, s.Close())

	_, ends := f.metrics.SessionCounts()
	require.Equal(t, uint64(1), ends[metrics.SessionLabel{Outcome: "failed", Reason: "stream_io"}])
	require.False(t, f.heldKeys(t, 7))
}

func TestRefreshFailureEndsSession(t *testing.T) {
	f := newFixture(t, []models.Channel{newsChannel()}, func(cfg *Config) {
		cfg.LockTimeout = time.Second
		cfg.RefreshInterval = 10 * time.Millisecond
	})
	s, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.locker.extends.Load() >= 2 }, time.Second, 5*time.Millisecond)

	lost := lock.ErrNotHeld
	f.locker.extendErr.Store(&lost)

	err = s.Relay(context.Background(), io.Discard)
	require.ErrorIs(t, err, ErrLockUnavailable)
	require.Equal(t, StateFailed, s.State())
	require.NoError(t, s.Close())
	require.Equal(t, int32(1), f.launcher.handle(t, 0).stops.Load())
}

func TestSessionsListsActiveSessions(t *testing.T) {
	sports := newsChannel()
	sports.ID = 8
	sports.Number = 102
	sports.Name = "Sports"
	f := newFixture(t, []models.Channel{newsChannel(), sports})

	first, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 101, ClientIP: "10.0.0.5", UserAgent: "vlc"})
	require.NoError(t, err)
	second, err := f.ctrl.Open(context.Background(), Request{ChannelNumber: 102})
	require.NoError(t, err)

	infos := f.ctrl.Sessions()
	require.Len(t, infos, 2)
	numbers := []int{infos[0].ChannelNumber, infos[1].ChannelNumber}
	require.ElementsMatch(t, []int{101, 102}, numbers)
	for _, info := range infos {
		require.Equal(t, 4242, info.PID)
		require.Equal(t, int64(100), info.ProfileID)
	}
	require.Equal(t, int64(2), f.metrics.ActiveSessions())

	require.NoError(t, f.ctrl.CloseAll())
	require.Empty(t, f.ctrl.Sessions())
	require.Equal(t, StateCompleted, first.State())
	require.Equal(t, StateCompleted, second.State())
	require.Zero(t, f.metrics.ActiveSessions())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "acquiring_lock", StateAcquiringLock.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "state(42)", State(42).String())
}
