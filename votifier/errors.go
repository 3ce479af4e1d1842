package votifier

import (
	"errors"

	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout means the peer sent nothing (or not enough) before the deadline.
	ErrTimeout = errors.New("timed out waiting for vote data")
	// ErrTruncatedHeader means a PROXY v2 header was shorter than it declared.
	ErrTruncatedHeader = errors.New("truncated proxy header")
	// ErrIncompleteFrame means a v1 block ended before 256 bytes.
	ErrIncompleteFrame = errors.New("incomplete v1 frame")
	// ErrInvalidOpcode means a decrypted v1 block did not start with VOTE.
	ErrInvalidOpcode = errors.New("invalid opcode")
	// ErrMalformedFrame means the bytes do not describe a vote.
	ErrMalformedFrame = errors.New("malformed vote frame")
	// ErrChallengeMismatch is only returned in strict challenge mode.
	ErrChallengeMismatch = errors.New("v2 challenge mismatch")
	// ErrRateLimited means the connection's source is over its rate limit.
	ErrRateLimited = errors.New("source is rate limited")
	// ErrQueueFull means the dispatcher could not take another vote.
	ErrQueueFull = errors.New("vote queue is full")

	// ErrDecryption is re-exported so callers only need this package.
	ErrDecryption = keyring.ErrDecryption
)

// errorKind is the short label used in logs and metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTruncatedHeader):
		return "truncated_header"
	case errors.Is(err, ErrIncompleteFrame):
		return "incomplete_frame"
	case errors.Is(err, ErrDecryption):
		return "decryption"
	case errors.Is(err, ErrInvalidOpcode):
		return "invalid_opcode"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	default:
		return "io"
	}
}

// errorLevel maps a failed connection to the level it is logged at.
// Decryption failures point at a key mismatch and deserve attention;
// everything else is usually a scanner or a misbehaving site.
func errorLevel(err error) logrus.Level {
	switch {
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrQueueFull):
		return logrus.ErrorLevel
	default:
		return logrus.WarnLevel
	}
}
