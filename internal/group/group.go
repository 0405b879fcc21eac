// Package group implements the Media-Group Grouper of spec.md §4.4
// (component C5): folding a flat, source-ordered message list into
// AtomicUnits, preserving order, without splitting a media group across
// units. It is grounded on the teacher's buildMediaTags-style pure
// transform functions in internal/channels/telegram/media.go — small,
// dependency-free folds over a message slice.
package group

import "github.com/vanducng/mediarelay/pkg/protocol"

// Group folds messages into AtomicUnits. Consecutive messages sharing a
// non-empty, identical GroupID fold into one Group unit; a message with an
// empty GroupID emits a Singleton. A group boundary is declared when the
// next message has a different or empty group-id, or when the running
// group reaches protocol.MediaGroupCap (spec.md §4.4).
func Group(messages []protocol.Message) []protocol.AtomicUnit {
	var units []protocol.AtomicUnit

	var current *protocol.MediaGroup
	flush := func() {
		if current != nil {
			units = append(units, protocol.NewGroupUnit(*current))
			current = nil
		}
	}

	for _, m := range messages {
		if m.GroupID == "" {
			flush()
			units = append(units, protocol.NewSingleton(m))
			continue
		}

		if current != nil && current.GroupID == m.GroupID && len(current.Messages) < protocol.MediaGroupCap {
			current.Messages = append(current.Messages, m)
			continue
		}

		flush()
		current = &protocol.MediaGroup{GroupID: m.GroupID, Messages: []protocol.Message{m}}
	}
	flush()

	return units
}
