package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v2"

	"channel-relay/internal/models"
)

// catalogFile is the on-disk layout of a file catalog. Accounts and stream
// profiles are declared once and referenced by ID. JSON documents parse as
// well since JSON is valid YAML.
type catalogFile struct {
	StreamProfiles []models.StreamProfile `yaml:"stream_profiles"`
	Accounts       []models.Account       `yaml:"accounts"`
	Channels       []fileChannel          `yaml:"channels"`
}

type fileChannel struct {
	ID              int64        `yaml:"id"`
	Number          int          `yaml:"number"`
	Name            string       `yaml:"name"`
	StreamProfileID int64        `yaml:"stream_profile_id"`
	Streams         []fileStream `yaml:"streams"`
}

type fileStream struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	CustomURL string `yaml:"custom_url"`
	AccountID int64  `yaml:"account_id"`
}

// FileRepository serves the catalog from a YAML file loaded into memory.
type FileRepository struct {
	path string

	mu       sync.RWMutex
	channels map[int]models.Channel
}

// NewFileRepository loads the catalog at path.
func NewFileRepository(path string) (*FileRepository, error) {
	repo := &FileRepository{path: filepath.Clean(path)}
	if err := repo.Reload(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Reload re-reads the catalog file, replacing the in-memory view only when
// the new content is valid.
func (r *FileRepository) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	channels, err := parseCatalog(data)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.channels = channels
	r.mu.Unlock()
	return nil
}

func parseCatalog(data []byte) (map[int]models.Channel, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	profiles := make(map[int64]models.StreamProfile, len(file.StreamProfiles))
	for _, profile := range file.StreamProfiles {
		profiles[profile.ID] = profile
	}
	accounts := make(map[int64]models.Account, len(file.Accounts))
	for _, account := range file.Accounts {
		accounts[account.ID] = account
	}

	channels := make(map[int]models.Channel, len(file.Channels))
	for _, fc := range file.Channels {
		if _, dup := channels[fc.Number]; dup {
			return nil, fmt.Errorf("duplicate channel number %d", fc.Number)
		}
		channel := models.Channel{ID: fc.ID, Number: fc.Number, Name: fc.Name}
		if fc.StreamProfileID != 0 {
			profile, ok := profiles[fc.StreamProfileID]
			if !ok {
				return nil, fmt.Errorf("channel %d references unknown stream profile %d", fc.Number, fc.StreamProfileID)
			}
			channel.StreamProfile = &profile
		}
		for _, fs := range fc.Streams {
			account, ok := accounts[fs.AccountID]
			if !ok {
				return nil, fmt.Errorf("stream %d references unknown account %d", fs.ID, fs.AccountID)
			}
			account.Profiles = append([]models.AccountProfile(nil), account.Profiles...)
			channel.Streams = append(channel.Streams, models.Stream{
				ID:        fs.ID,
				Name:      fs.Name,
				URL:       fs.URL,
				CustomURL: fs.CustomURL,
				Account:   account,
			})
		}
		channels[fc.Number] = channel
	}
	return channels, nil
}

func (r *FileRepository) Ping(context.Context) error {
	_, err := os.Stat(r.path)
	return err
}

func (r *FileRepository) ChannelByNumber(_ context.Context, number int) (models.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.channels[number]
	if !ok {
		return models.Channel{}, fmt.Errorf("channel %d: %w", number, ErrNotFound)
	}
	return channel, nil
}

func (r *FileRepository) ListChannels(context.Context) ([]models.Channel, error) {
	r.mu.RLock()
	channels := make([]models.Channel, 0, len(r.channels))
	for _, channel := range r.channels {
		channels = append(channels, channel)
	}
	r.mu.RUnlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })
	return channels, nil
}

func (r *FileRepository) Close(context.Context) error { return nil }
