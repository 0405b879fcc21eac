// Package template implements the Template Engine collaborator of spec.md
// §6: a pure (template, variables) -> caption substitution with unknown
// placeholders reducing to empty, plus the per-session caption cap
// truncation rule of §4.7. Grounded on the teacher's small pure-transform
// style (internal/channels/telegram/media.go's buildMediaTags), since no
// example repo ships a templating library the teacher actually imports.
package template

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// Default is the default forward template of spec.md §6.
const Default = "{original_text}{original_caption}"

// Variables builds the flat substitution map for one AtomicUnit's template
// invocation, derived from its originating source Message (spec.md §4.7
// "Caption templating").
func Variables(source protocol.Message, channelName string) map[string]string {
	return map[string]string{
		"original_text":    source.Text,
		"original_caption": source.Caption,
		"file_name":        source.FileName,
		"file_size":        formatSize(source.FileSize),
		"source_channel":   channelName,
		"timestamp":        source.AuthorAt.UTC().Format(time.RFC3339),
		"message_id":       strconv.FormatInt(source.MessageID, 10),
	}
}

// Render substitutes every `{name}` placeholder in tmpl from vars. Unknown
// placeholders reduce to empty; malformed braces are passed through
// verbatim rather than erroring, since the template language has no error
// mode per spec.md §6.
func Render(tmpl string, vars map[string]string) string {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+open])
		start := i + open
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			out.WriteString(tmpl[start:])
			break
		}
		name := tmpl[start+1 : start+end]
		out.WriteString(vars[name]) // missing key yields the zero value "", matching the spec
		i = start + end + 1
	}
	return out.String()
}

// Preview truncates a rendered caption to n runes for logging, appending
// an ellipsis marker when truncated, independent of the caption-cap
// truncation applied to the caption itself.
func Preview(rendered string, n int) string {
	r := []rune(rendered)
	if len(r) <= n {
		return rendered
	}
	return string(r[:n]) + "…"
}

// TruncateResult reports whether Truncate had to cut the caption.
type TruncateResult struct {
	Text       string
	Truncated  bool
}

// Truncate enforces the per-session caption cap, breaking at the last run
// of whitespace before the cap (spec.md §4.7 "truncated at a word
// boundary and flagged"). If the first word alone exceeds the cap, it is
// hard-cut as a fallback.
func Truncate(caption string, cap int) TruncateResult {
	r := []rune(caption)
	if len(r) <= cap {
		return TruncateResult{Text: caption}
	}

	window := string(r[:cap])
	if idx := lastWhitespace(window); idx > 0 {
		return TruncateResult{Text: strings.TrimRightFunc(window[:idx], func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }), Truncated: true}
	}
	return TruncateResult{Text: window, Truncated: true}
}

func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\n':
			return i
		}
	}
	return -1
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
