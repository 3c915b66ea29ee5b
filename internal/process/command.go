// Package process launches and supervises the external relay programs
// (ffmpeg, streamlink, ...) whose standard output is streamed to clients.
package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"channel-relay/internal/models"
)

const (
	// ChunkSize is the read size used when relaying process output.
	ChunkSize = 8192

	userAgentPlaceholder = "{userAgent}"
	streamURLPlaceholder = "{streamUrl}"
)

// ErrTemplate reports a stream profile whose command or parameters cannot be
// turned into an argument vector.
var ErrTemplate = errors.New("invalid stream profile command")

// Command is a fully resolved invocation of a relay program.
type Command struct {
	Executable string
	Args       []string
	Env        []string
}

// String renders the command with shell quoting, for logs.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Executable}, c.Args...)...)
}

// BuildCommand expands the stream profile's parameter template. The template
// is split with shell quoting rules first and placeholders are substituted per
// argument, so a user agent containing spaces stays a single argument.
func BuildCommand(profile models.StreamProfile, userAgent, streamURL string) (Command, error) {
	executable := strings.TrimSpace(profile.Command)
	if executable == "" {
		return Command{}, fmt.Errorf("%w: stream profile %d has no command", ErrTemplate, profile.ID)
	}
	words, err := shellquote.Split(profile.Parameters)
	if err != nil {
		return Command{}, fmt.Errorf("%w: stream profile %d parameters: %v", ErrTemplate, profile.ID, err)
	}
	replacer := strings.NewReplacer(userAgentPlaceholder, userAgent, streamURLPlaceholder, streamURL)
	args := make([]string, 0, len(words))
	for _, word := range words {
		args = append(args, replacer.Replace(word))
	}
	return Command{Executable: executable, Args: args}, nil
}
