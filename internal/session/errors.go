package session

import (
	"errors"
	"fmt"
)

// Failure sentinels. Each one names the state a session failed in; callers
// match them with errors.Is. Lower-level causes stay wrapped alongside.
var (
	ErrChannelNotFound   = errors.New("no stream found for this channel")
	ErrNoStreamProfile   = errors.New("no stream profile set for this channel")
	ErrNoEligibleProfile = errors.New("no available profiles for the stream")
	ErrRewrite           = errors.New("stream url rewrite failed")
	ErrChannelBusy       = errors.New("resource busy, please try again later")
	ErrLockUnavailable   = errors.New("session lock unavailable")
	ErrProcessStart      = errors.New("error starting stream")
	ErrStreamIO          = errors.New("error reading stream")
)

// failure pairs the error returned to callers with the reason label used in
// logs and metrics.
type failure struct {
	reason string
	err    error
}

func fail(reason string, sentinel, cause error) failure {
	if cause == nil {
		return failure{reason: reason, err: sentinel}
	}
	return failure{reason: reason, err: fmt.Errorf("%w: %w", sentinel, cause)}
}
