package security

import (
	"context"
	"errors"
	"strconv"
	"time"
)

const maxSkewSeconds = 300

var (
	ErrInvalidTimestamp    = errors.New("invalid timestamp")
	ErrTimestampOutOfRange = errors.New("timestamp out of range")
	ErrReplayDetected      = errors.New("replay detected")
)

// ValidateTimestamp rejects a signed request whose timestamp has drifted
// outside the acceptable skew window.
func ValidateTimestamp(tsStr string, now time.Time) error {
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	nowSec := now.Unix()
	if ts < nowSec-maxSkewSeconds || ts > nowSec+60 {
		return ErrTimestampOutOfRange
	}
	return nil
}

// ValidateNonce records a nonce against the persistence store so the same
// signed request can't be replayed within the window.
func ValidateNonce(ctx context.Context, st Store, nonce string) error {
	if nonce == "" {
		return ErrReplayDetected
	}
	ok, err := st.SetNX(ctx, st.RawKey("portal", "nonce", nonce), "1", 10*time.Minute)
	if err != nil || !ok {
		return ErrReplayDetected
	}
	return nil
}
