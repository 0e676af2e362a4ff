package recorder

import "github.com/pkg/errors"

// Fatal errors. These abort the session and are reported once through Listener.OnError.
var (
	ErrCodecUnavailable  = errors.New("no codec available for format")
	ErrInvalidDimensions = errors.New("invalid encode dimensions")
	ErrContainerCreate   = errors.New("failed to create container")
	ErrContainerStart    = errors.New("failed to start container")
	ErrMicrophone        = errors.New("microphone read failed")
)

// Recoverable errors. They are logged and the offending item is skipped.
var (
	ErrProtocolViolation = errors.New("codec protocol violation")
	ErrCorruptFrame      = errors.New("corrupt frame")
	ErrStaleGeneration   = errors.New("frame belongs to a stale render context")
	ErrOutOfOrder        = errors.New("sample timestamp out of order")
	ErrDrainTimeout      = errors.New("codec did not reach end of stream")
	ErrFrameDropped      = errors.New("frame dropped")
)

// Lifecycle errors returned by the control surface.
var (
	ErrSessionActive      = errors.New("a recording session is already active")
	ErrNoSession          = errors.New("no active recording session")
	ErrMuxerNotStarted    = errors.New("muxer not started")
	ErrMuxerStarted       = errors.New("muxer already started")
	ErrDoubleFormatChange = errors.New("track format changed after muxer start")
	ErrTooManyEncoders    = errors.New("encoder already registered")
	ErrStartTimeout       = errors.New("timed out waiting for muxer start")
	ErrPoolAborted        = errors.New("packet pool aborted")
	ErrEncoderState       = errors.New("operation not valid in current encoder state")
)

// IsFatal reports whether err should abort the session.
func IsFatal(err error) bool {
	for _, target := range []error{ErrCodecUnavailable, ErrInvalidDimensions, ErrContainerCreate, ErrContainerStart, ErrMicrophone} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
