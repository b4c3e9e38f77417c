// Package testutil provides shared test helpers.
package testutil

import (
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/banshee-data/kserial/internal/monitoring"
)

// QuietLogs silences monitoring.Logf until the test ends.
func QuietLogs(tb testing.TB) {
	tb.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	tb.Cleanup(func() { monitoring.Logf = original })
}

// CaptureLogs sends monitoring.Logf output, one formatted line per call, to w
// until the test ends.
func CaptureLogs(tb testing.TB, w io.Writer) {
	tb.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(log.New(w, "", 0).Printf)
	tb.Cleanup(func() { monitoring.Logf = original })
}

// CaptureStdLog redirects the standard library logger, without timestamps,
// into w until the test ends.
func CaptureStdLog(tb testing.TB, w io.Writer) {
	tb.Helper()
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(w)
	log.SetFlags(0)
	tb.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})
}

// TempPath returns name joined onto a fresh per-test directory.
func TempPath(tb testing.TB, name string) string {
	tb.Helper()
	return filepath.Join(tb.TempDir(), name)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(tb testing.TB, got, want int) {
	tb.Helper()
	if got != want {
		tb.Errorf("status code = %d, want %d", got, want)
	}
}
