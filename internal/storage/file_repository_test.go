package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileRepositoryChannelByNumber(t *testing.T) {
	repo, err := NewFileRepository(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, repo.Ping(ctx))

	channel, err := repo.ChannelByNumber(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, int64(1), channel.ID)
	require.Equal(t, "News", channel.Name)
	require.NotNil(t, channel.StreamProfile)
	require.Equal(t, "ffmpeg", channel.StreamProfile.Command)

	require.Len(t, channel.Streams, 2)
	primary, ok := channel.PrimaryStream()
	require.True(t, ok)
	require.Equal(t, int64(1000), primary.ID)
	require.Equal(t, "primary-provider", primary.Account.Name)
	require.Len(t, primary.Account.Profiles, 2)
	require.True(t, primary.Account.Profiles[0].IsDefault)
	require.Equal(t, 2, primary.Account.Profiles[0].MaxStreams)
	require.Equal(t, "$1/live/backup/secret/$2", primary.Account.Profiles[1].ReplacePattern)

	sports, err := repo.ChannelByNumber(ctx, 102)
	require.NoError(t, err)
	require.Equal(t, "http://mirror.example/2000.ts", sports.Streams[0].EffectiveURL())
	require.Equal(t, "VLC/3.0.20", sports.StreamProfile.UserAgent)

	empty, err := repo.ChannelByNumber(ctx, 103)
	require.NoError(t, err)
	require.False(t, empty.HasStreams())
}

func TestFileRepositoryUnknownChannel(t *testing.T) {
	repo, err := NewFileRepository(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)

	_, err = repo.ChannelByNumber(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileRepositoryListChannelsSortedByNumber(t *testing.T) {
	repo, err := NewFileRepository(filepath.Join("testdata", "catalog.yaml"))
	require.NoError(t, err)

	channels, err := repo.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 3)
	require.Equal(t, []int{101, 102, 103}, []int{channels[0].Number, channels[1].Number, channels[2].Number})
}

func TestFileRepositoryRejectsDanglingReferences(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown account": `
channels:
  - id: 1
    number: 1
    streams:
      - id: 1
        url: http://x/1.ts
        account_id: 5
`,
		"unknown stream profile": `
channels:
  - id: 1
    number: 1
    stream_profile_id: 9
`,
		"duplicate number": `
channels:
  - id: 1
    number: 1
  - id: 2
    number: 1
`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			_, err := NewFileRepository(path)
			require.Error(t, err)
		})
	}
}

func TestFileRepositoryReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"channels":[{"id":7,"number":7,"name":"Seven"}]}`), 0o600))
	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("channels: ["), 0o600))
	require.Error(t, repo.Reload())

	channel, err := repo.ChannelByNumber(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "Seven", channel.Name)
}
