package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing or verbose runs.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Str("test", t.Name()).Logger()
}

func IntPtr(i int) *int {
	return &i
}
