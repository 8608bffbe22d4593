package membership

import (
	"time"

	"go.uber.org/zap"
)

// EventType identifies a membership change.
type EventType int

const (
	MemberAdded EventType = iota + 1
	MemberRemoved
	MemberAttributeChanged
)

// String returns the string representation of EventType.
func (t EventType) String() string {
	switch t {
	case MemberAdded:
		return "MEMBER_ADDED"
	case MemberRemoved:
		return "MEMBER_REMOVED"
	case MemberAttributeChanged:
		return "MEMBER_ATTRIBUTE_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event is a single membership change.
// Key and Value are only set for MemberAttributeChanged.
type Event struct {
	Type    EventType
	Member  Member
	Key     string
	Value   string
	Members Snapshot // membership right after the change
	At      time.Time
}

// Listener receives membership events. Calls are made from one goroutine
// per subscription, in publish order.
type Listener interface {
	MemberAdded(Event)
	MemberRemoved(Event)
	MemberAttributeChanged(Event)
}

// Source is a subscription endpoint for membership events.
type Source interface {
	// LocalMember returns the member this source is observing from.
	LocalMember() Member
	// Members returns the current membership.
	Members() Snapshot
	// Subscribe registers l and returns the membership as of registration.
	// Every event published after that snapshot is delivered to l.
	Subscribe(l Listener) (Snapshot, func())
}

// deliver routes ev to the matching Listener method. A panicking listener
// is logged and does not stop delivery of later events.
func deliver(logger *zap.Logger, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("membership listener panicked",
				zap.Stringer("event", ev.Type),
				zap.String("member", ev.Member.ID),
				zap.Any("panic", r))
		}
	}()

	switch ev.Type {
	case MemberAdded:
		l.MemberAdded(ev)
	case MemberRemoved:
		l.MemberRemoved(ev)
	case MemberAttributeChanged:
		l.MemberAttributeChanged(ev)
	}
}
