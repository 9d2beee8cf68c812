package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestTextAssertEqualTexts(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).Assert("NAME  STATE\nsh-0  running\n", "NAME  STATE\nsh-0  running\n")
	assert.Empty(t, rec.failures)
}

func TestTextAssertReportsDiff(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec).Assert("sh-0 running", "sh-0 dead")
	require.Len(t, rec.failures, 1)
}

func TestTextAssertTrimSpace(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec, TrimSpace()).Assert("\n  uptime 3s\n", "uptime 3s")
	assert.Empty(t, rec.failures)
}

func TestTextAssertTrimLines(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec, TrimLines()).Assert("NAME   \nsh-0\t\n", "NAME\nsh-0\n")
	assert.Empty(t, rec.failures)

	strict := &recordingT{}
	NewTextAsserter(strict).Assert("NAME   \nsh-0\t\n", "NAME\nsh-0\n")
	assert.Len(t, strict.failures, 1)
}

func TestTextAssertSkipBlankLines(t *testing.T) {
	rec := &recordingT{}
	NewTextAsserter(rec, SkipBlankLines()).Assert("a\n\n  \nb", "a\nb")
	assert.Empty(t, rec.failures)
}

func TestTextAssertDiffNamesBothSides(t *testing.T) {
	ta := NewTextAsserter(&recordingT{})
	want := ta.normalize("one\ntwo\n")
	got := ta.normalize("one\nthree\n")
	require.NotEqual(t, want, got)

	rec := &recordingT{}
	NewTextAsserter(rec).Assert("one\nthree\n", "one\ntwo\n")
	require.Len(t, rec.failures, 1)
	assert.True(t, strings.Contains(rec.failures[0], "text mismatch"))
	assert.Contains(t, rec.failures[0], "--- expected")
	assert.Contains(t, rec.failures[0], "+++ actual")
}

func TestColorizeDiffMarksChanges(t *testing.T) {
	out := colorizeDiff("--- expected\n+++ actual\n@@ -1 +1 @@\n-two\n+three\n")
	assert.Contains(t, out, "\x1b[")
}
