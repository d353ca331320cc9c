package ui

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stagegate/pkg/errors"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prevOut, prevColor := Out, supportsColor
	Out = buf
	supportsColor = false
	t.Cleanup(func() {
		Out = prevOut
		supportsColor = prevColor
	})
	return buf
}

func TestShowErrorIncludesCodeAndSuggestions(t *testing.T) {
	buf := captureOutput(t)

	ShowError(errors.SnapshotNotFoundError("vehicles", "20250916_223000"))

	out := buf.String()
	assert.Contains(t, out, "ERROR [SGE3002]:")
	assert.Contains(t, out, "TIP: Run 'stagegate snapshot list vehicles'")
}

func TestShowErrorFallsBackToCodeHints(t *testing.T) {
	buf := captureOutput(t)

	ShowError(errors.New(errors.ErrCodeTimeout, "query exceeded deadline"))

	assert.Contains(t, buf.String(), "TIP: Raise warehouse.query_timeout")
}

func TestShowErrorPlainError(t *testing.T) {
	buf := captureOutput(t)

	ShowError(fmt.Errorf("dial tcp: connection refused"))

	out := buf.String()
	assert.Contains(t, out, "ERROR: dial tcp")
	assert.Contains(t, out, "Verify the warehouse DSN")
}

func TestSuggestionsNone(t *testing.T) {
	assert.Empty(t, suggestions(stderrors.New("something odd")))
}

func TestStatusLines(t *testing.T) {
	buf := captureOutput(t)

	ShowSuccess("merged 3 tables")
	ShowWarning("freshness SLA exceeded")
	ShowInfo("dry run")
	PrintSection("Snapshots")
	PrintKeyValue("Batch", "20250916_223000")

	out := buf.String()
	assert.Contains(t, out, "SUCCESS: merged 3 tables")
	assert.Contains(t, out, "WARNING: freshness SLA exceeded")
	assert.Contains(t, out, "INFO: dry run")
	assert.Contains(t, out, "> Snapshots")
	assert.Contains(t, out, "Batch:")
	assert.Contains(t, out, "20250916_223000")
	assert.NotContains(t, out, "\x1b[")
}

func TestShowHeaderCentersTitle(t *testing.T) {
	buf := captureOutput(t)

	ShowHeader("stagegate")

	assert.Contains(t, buf.String(), "|"+strings.Repeat(" ", 19)+"stagegate"+strings.Repeat(" ", 20)+"|")
}

func TestSpinnerWithoutTerminal(t *testing.T) {
	buf := captureOutput(t)

	s := NewSpinner("migrating")
	s.Start()
	s.UpdateMessage("validating")
	s.Stop(false, "run failed")

	out := buf.String()
	assert.Contains(t, out, "failed run failed")
	assert.NotContains(t, out, "\r")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdef...", Truncate("abcdefghijklmnop", 9))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
