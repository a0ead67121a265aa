package turn

import "errors"

// Pipeline error taxonomy. Only ErrInputOrdering and ErrHandleLost are fatal
// to a call; everything else degrades the affected turn and the call
// continues.
var (
	// ErrInputOrdering reports inbound frames arriving out of sequence.
	// Fatal: the call's audio stream can no longer be trusted.
	ErrInputOrdering = errors.New("turn: inbound frame ordering violation")

	// ErrProviderUnavailable reports a transcription or synthesis transport
	// failure that persisted through retries. The turn degrades (the reply
	// is skipped); the call continues.
	ErrProviderUnavailable = errors.New("turn: provider unavailable")

	// ErrHandleLost reports a turn observed in a speaking state without a
	// live synthesis handle. Fatal: the call must be torn down and
	// restarted, since nothing can cancel the phantom playback.
	ErrHandleLost = errors.New("turn: synthesis handle lost")
)
