// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger routes log output through t.Log so it shows up next to failures.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
}
