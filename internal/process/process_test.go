package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channel-relay/internal/models"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a stand-in relay program.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "emit":
		fmt.Fprint(os.Stdout, strings.Join(args[2:], " "))
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "upstream returned 404")
		fmt.Fprintln(os.Stderr, "giving up")
		os.Exit(3)
	case "block":
		fmt.Fprint(os.Stdout, "ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprint(os.Stdout, "ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helperCommand(mode string, args ...string) Command {
	return Command{
		Executable: os.Args[0],
		Args:       append([]string{"-test.run=TestHelperProcess", "--", mode}, args...),
		Env:        []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

func TestBuildCommand(t *testing.T) {
	profile := models.StreamProfile{
		ID:         1,
		Command:    "ffmpeg",
		Parameters: `-user_agent "{userAgent}" -i {streamUrl} -c copy -f mpegts pipe:1`,
	}

	cmd, err := BuildCommand(profile, "VLC/3.0 (Linux)", "http://provider/live/1.ts")
	require.NoError(t, err)
	require.Equal(t, "ffmpeg", cmd.Executable)
	require.Equal(t, []string{
		"-user_agent", "VLC/3.0 (Linux)",
		"-i", "http://provider/live/1.ts",
		"-c", "copy", "-f", "mpegts", "pipe:1",
	}, cmd.Args)
}

func TestBuildCommandRejectsBadTemplates(t *testing.T) {
	_, err := BuildCommand(models.StreamProfile{Command: " ", Parameters: "-i {streamUrl}"}, "ua", "u")
	require.ErrorIs(t, err, ErrTemplate)

	_, err = BuildCommand(models.StreamProfile{Command: "ffmpeg", Parameters: `-i "{streamUrl}`}, "ua", "u")
	require.ErrorIs(t, err, ErrTemplate)
}

func TestStartRelaysStdout(t *testing.T) {
	m := &Manager{GracePeriod: time.Second}
	h, err := m.Start(context.Background(), helperCommand("emit", "hello", "world"))
	require.NoError(t, err)
	require.Positive(t, h.Pid())

	out, err := io.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))

	require.NoError(t, h.Wait())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
}

func TestStartMissingExecutable(t *testing.T) {
	m := &Manager{}
	_, err := m.Start(context.Background(), Command{Executable: "definitely-not-a-relay-binary"})
	require.ErrorIs(t, err, ErrStart)
}

func TestStartCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Manager{}).Start(ctx, helperCommand("emit"))
	require.ErrorIs(t, err, ErrStart)
}

func TestFailedProcessKeepsStderrTail(t *testing.T) {
	h, err := (&Manager{TailLines: 1}).Start(context.Background(), helperCommand("fail"))
	require.NoError(t, err)

	_, _ = io.ReadAll(h)
	require.Error(t, h.Wait())
	require.NoError(t, h.Stop())
	require.Equal(t, []string{"giving up"}, h.StderrTail())
}

func TestStopTerminatesRunningProcess(t *testing.T) {
	h, err := (&Manager{GracePeriod: 5 * time.Second}).Start(context.Background(), helperCommand("block"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Stop())
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-h.Done():
	default:
		t.Fatal("process still running after stop")
	}
	_, err = h.Read(buf)
	require.Error(t, err)
}

func TestStopEscalatesToKill(t *testing.T) {
	h, err := (&Manager{GracePeriod: 200 * time.Millisecond}).Start(context.Background(), helperCommand("stubborn"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(h, buf)
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.Error(t, h.Wait())
}

func TestStopUnblocksPendingRead(t *testing.T) {
	h, err := (&Manager{GracePeriod: time.Second}).Start(context.Background(), helperCommand("block"))
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, h)
		readErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.Stop())

	select {
	case <-readErr:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after stop")
	}
}

func TestTailKeepsMostRecentLines(t *testing.T) {
	tl := newTail(2)
	tl.add("a")
	tl.add("b")
	tl.add("c")
	require.Equal(t, []string{"b", "c"}, tl.lines())
}
