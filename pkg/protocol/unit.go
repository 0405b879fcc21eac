package protocol

// MediaGroupCap is the remote service's documented cap on messages per
// album (spec.md §3 Glossary: "up to ten media messages").
const MediaGroupCap = 10

// MediaGroup is an ordered, non-empty sequence of Messages sharing one
// non-empty group ID. Once constructed, a MediaGroup is never split by any
// downstream component — see AtomicUnit.
type MediaGroup struct {
	GroupID  string
	Messages []Message
}

// SourceID returns the id used for source-order comparisons: the id of the
// first (lowest) message in the group.
func (g MediaGroup) SourceID() int64 {
	if len(g.Messages) == 0 {
		return 0
	}
	return g.Messages[0].MessageID
}

// Weight is the sum of declared file sizes of the group's messages.
func (g MediaGroup) Weight() int64 {
	var total int64
	for _, m := range g.Messages {
		total += m.FileSize
	}
	return total
}

// AtomicUnit is the tagged-sum granularity at which the Distributor and all
// downstream components operate: either a single Message or an indivisible
// MediaGroup.
type AtomicUnit struct {
	Single *Message
	Group  *MediaGroup
}

// NewSingleton wraps a single message as an AtomicUnit.
func NewSingleton(m Message) AtomicUnit { return AtomicUnit{Single: &m} }

// NewGroupUnit wraps a media group as an AtomicUnit.
func NewGroupUnit(g MediaGroup) AtomicUnit { return AtomicUnit{Group: &g} }

// IsGroup reports whether the unit wraps a MediaGroup.
func (u AtomicUnit) IsGroup() bool { return u.Group != nil }

// SourceID is the source message-id used to order units (the group's first
// message-id for a group, the message's own id for a singleton).
func (u AtomicUnit) SourceID() int64 {
	if u.IsGroup() {
		return u.Group.SourceID()
	}
	if u.Single != nil {
		return u.Single.MessageID
	}
	return 0
}

// Weight is the unit's total declared file-size weight, used by the
// load-balancing Distributor.
func (u AtomicUnit) Weight() int64 {
	if u.IsGroup() {
		return u.Group.Weight()
	}
	if u.Single != nil {
		return u.Single.FileSize
	}
	return 0
}

// Messages returns the unit's constituent messages in source order: one
// message for a singleton, all of the group's messages for a group.
func (u AtomicUnit) Messages() []Message {
	if u.IsGroup() {
		return u.Group.Messages
	}
	if u.Single != nil {
		return []Message{*u.Single}
	}
	return nil
}

// Count returns the number of constituent messages.
func (u AtomicUnit) Count() int { return len(u.Messages()) }
