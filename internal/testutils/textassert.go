// Package testutils holds the assertion helpers the monomux tests share:
// unified-diff text comparison and structural JSON comparison with
// placeholder support for values that vary between runs.
package testutils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions controls normalization before comparison. Zero values
// compare texts verbatim.
type TextAssertOptions struct {
	// TrimSpace strips leading and trailing whitespace from the whole text.
	TrimSpace bool `default:"false"`
	// TrimLines strips trailing whitespace from every line; terminal tables
	// pad columns with spaces that expectations should not have to carry.
	TrimLines bool `default:"false"`
	// SkipBlankLines drops lines that contain only whitespace.
	SkipBlankLines bool `default:"false"`
	// Colorize emits ANSI-colored diffs on failure.
	Colorize bool `default:"false"`
}

// TextOption mutates TextAssertOptions.
type TextOption func(*TextAssertOptions)

// TrimSpace strips surrounding whitespace from both texts.
func TrimSpace() TextOption { return func(o *TextAssertOptions) { o.TrimSpace = true } }

// TrimLines strips trailing whitespace per line.
func TrimLines() TextOption { return func(o *TextAssertOptions) { o.TrimLines = true } }

// SkipBlankLines drops whitespace-only lines.
func SkipBlankLines() TextOption { return func(o *TextAssertOptions) { o.SkipBlankLines = true } }

// Colorize enables ANSI colors in the failure diff.
func Colorize() TextOption { return func(o *TextAssertOptions) { o.Colorize = true } }

// TextAsserter compares multi-line text and reports differences as a
// unified diff, which reads far better than require.Equal's quoting when
// the subject is a table or a statistics dump.
type TextAsserter struct {
	t    TestingT
	opts TextAssertOptions
}

// AssertText compares actual against expected with the given options and
// reports a unified diff on mismatch.
func AssertText(t *testing.T, actual, expected string, opts ...TextOption) {
	t.Helper()
	NewTextAsserter(t, opts...).Assert(actual, expected)
}

// NewTextAsserter builds an asserter; options apply on top of defaults.
func NewTextAsserter(t TestingT, opts ...TextOption) *TextAsserter {
	o := TextAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &TextAsserter{t: t, opts: o}
}

// Assert reports an error with a unified diff when the normalized texts
// differ.
func (ta *TextAsserter) Assert(actual, expected string) {
	want := ta.normalize(expected)
	got := ta.normalize(actual)
	if want == got {
		return
	}
	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if ta.opts.Colorize {
		unified = colorizeDiff(unified)
	}
	ta.t.Errorf("text mismatch:\n%s", unified)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.opts.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if !ta.opts.TrimLines && !ta.opts.SkipBlankLines {
		return text
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if ta.opts.TrimLines {
			line = strings.TrimRight(line, " \t")
		}
		if ta.opts.SkipBlankLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func colorizeDiff(diff string) string {
	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}
