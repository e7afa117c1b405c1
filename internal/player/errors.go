package player

import "errors"

var (
	// ErrNoActiveSession is returned by operations that require a track to
	// be playing or paused.
	ErrNoActiveSession = errors.New("nothing is playing")

	// ErrReadyTimeout is returned when the output sink does not finish its
	// handshake before playback must start.
	ErrReadyTimeout = errors.New("output not ready in time")
)
