package models

import (
	"strings"
	"time"
)

// Channel is a logical broadcast entity exposed to clients by a stable
// number and backed by one or more upstream streams.
type Channel struct {
	ID            int64          `json:"id" yaml:"id"`
	Number        int            `json:"number" yaml:"number"`
	Name          string         `json:"name" yaml:"name"`
	Streams       []Stream       `json:"streams" yaml:"streams"`
	StreamProfile *StreamProfile `json:"streamProfile,omitempty" yaml:"stream_profile,omitempty"`
}

// HasStreams reports whether at least one upstream stream is attached.
func (c Channel) HasStreams() bool {
	return len(c.Streams) > 0
}

// PrimaryStream returns the first stream in stored order.
func (c Channel) PrimaryStream() (Stream, bool) {
	if len(c.Streams) == 0 {
		return Stream{}, false
	}
	return c.Streams[0], true
}

// Stream is a concrete upstream source URL belonging to an account.
type Stream struct {
	ID        int64   `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	URL       string  `json:"url" yaml:"url"`
	CustomURL string  `json:"customUrl,omitempty" yaml:"custom_url,omitempty"`
	Account   Account `json:"account" yaml:"account"`
}

// EffectiveURL prefers the override URL when one is configured.
func (s Stream) EffectiveURL() string {
	if custom := strings.TrimSpace(s.CustomURL); custom != "" {
		return custom
	}
	return s.URL
}

// Account is an upstream provider account owning an ordered set of
// rewrite profiles.
type Account struct {
	ID       int64            `json:"id" yaml:"id"`
	Name     string           `json:"name" yaml:"name"`
	Profiles []AccountProfile `json:"profiles" yaml:"profiles"`
}

// AccountProfile is a per-account rewrite rule plus activation state.
// MaxStreams is carried from the catalog but never enforced by the relay.
type AccountProfile struct {
	ID             int64  `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	IsActive       bool   `json:"isActive" yaml:"is_active"`
	IsDefault      bool   `json:"isDefault" yaml:"is_default"`
	SearchPattern  string `json:"searchPattern" yaml:"search_pattern"`
	ReplacePattern string `json:"replacePattern" yaml:"replace_pattern"`
	MaxStreams     int    `json:"maxStreams" yaml:"max_streams"`
}

// StreamProfile describes how to invoke the external relay process.
// Parameters may reference the {userAgent} and {streamUrl} placeholders.
type StreamProfile struct {
	ID         int64  `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Command    string `json:"command" yaml:"command"`
	Parameters string `json:"parameters" yaml:"parameters"`
	UserAgent  string `json:"userAgent,omitempty" yaml:"user_agent,omitempty"`
	IsActive   bool   `json:"isActive" yaml:"is_active"`
}

// SessionInfo is a snapshot of an active relay session used for monitoring.
type SessionInfo struct {
	ID            string    `json:"id"`
	ChannelID     int64     `json:"channelId"`
	ChannelNumber int       `json:"channelNumber"`
	ChannelName   string    `json:"channelName"`
	StreamID      int64     `json:"streamId"`
	ProfileID     int64     `json:"profileId"`
	ProfileName   string    `json:"profileName"`
	PID           int       `json:"pid"`
	ClientIP      string    `json:"clientIp,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	BytesRelayed  int64     `json:"bytesRelayed"`
}
