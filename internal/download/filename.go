package download

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vanducng/mediarelay/pkg/protocol"
)

// maxFileNameLength bounds the sanitised filename, well under common
// filesystem limits (255 bytes on ext4/NTFS) after the pattern's fixed
// prefix is added.
const maxFileNameLength = 180

// reservedWindowsNames are device names that are illegal as a filename
// (with or without extension) on Windows, a filesystem shared storage
// locations often end up on.
var reservedWindowsNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
}

// BuildFileName renders the spec.md §4.6 naming pattern:
// {source-date}_{message-id}_{channel-name}_{original-filename}.{ext},
// sanitised for the target filesystem.
func BuildFileName(msg protocol.Message, channelName string) string {
	date := msg.AuthorAt.UTC().Format("20060102")
	base := sanitize(strings.TrimSuffix(msg.FileName, filepath.Ext(msg.FileName)))
	ext := sanitize(strings.TrimPrefix(filepath.Ext(msg.FileName), "."))
	if base == "" {
		base = "file"
	}
	if ext == "" {
		ext = defaultExt(msg.Kind)
	}

	name := fmt.Sprintf("%s_%d_%s_%s", date, msg.MessageID, sanitize(channelName), base)
	if len(name) > maxFileNameLength {
		name = name[:maxFileNameLength]
	}
	return name + "." + ext
}

func defaultExt(kind protocol.MediaKind) string {
	switch kind {
	case protocol.MediaPhoto:
		return "jpg"
	case protocol.MediaVideo, protocol.MediaVideoNote, protocol.MediaAnimation:
		return "mp4"
	case protocol.MediaAudio:
		return "mp3"
	case protocol.MediaVoice:
		return "ogg"
	default:
		return "bin"
	}
}

// sanitize removes path separators, control characters, and reserved
// device names, leaving a string safe to embed as one path component.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20:
			// control characters are dropped entirely
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return ""
	}
	if reservedWindowsNames[strings.ToUpper(out)] {
		return out + "_"
	}
	return out
}
