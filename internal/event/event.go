// Package event holds the canonical event shape every push payload is
// normalized into before it reaches the thread merge engine.
package event

import (
	"strconv"
	"time"

	"ticketdesk/threads/internal/comment"
)

type Kind string

const (
	KindCreate         Kind = "create"
	KindReply          Kind = "reply"
	KindUpdate         Kind = "update"
	KindDelete         Kind = "delete"
	KindReact          Kind = "react"
	KindAttach         Kind = "attach"
	KindDetach         Kind = "detach"
	KindConnectionMeta Kind = "connectionMeta"
	KindProtocolError  Kind = "protocolError"
)

// Mutates reports whether events of this kind can change a comment tree.
func (k Kind) Mutates() bool {
	switch k {
	case KindCreate, KindReply, KindUpdate, KindDelete, KindReact, KindAttach, KindDetach:
		return true
	default:
		return false
	}
}

// Inserts reports whether the kind adds a new comment.
func (k Kind) Inserts() bool {
	return k == KindCreate || k == KindReply
}

// Field names the mutable comment field a replace-style kind overwrites.
// Kinds that share a field are ordered against each other by revision.
func (k Kind) Field() string {
	switch k {
	case KindUpdate:
		return "content"
	case KindReact:
		return "reactions"
	case KindAttach, KindDetach:
		return "attachments"
	default:
		return ""
	}
}

// Origin tells the merge engine where an event came from. Only live events
// adjust the root pagination count; snapshot pages carry their own total.
type Origin int

const (
	OriginPush Origin = iota
	OriginSnapshot
)

func (o Origin) String() string {
	if o == OriginSnapshot {
		return "snapshot"
	}
	return "push"
}

// Event is the normalized form of one push message or one snapshot entry.
type Event struct {
	Kind      Kind
	Origin    Origin
	ID        string
	SubjectID string
	EntityID  string
	ParentID  string
	Revision  int64

	// Comment carries author, content and timestamps for create, reply and
	// update events.
	Comment     comment.Comment
	Reactions   comment.Reactions
	Attachments []comment.Attachment

	ConnectionID string
	Reason       string
	ReceivedAt   time.Time
}

// DedupKey identifies the event in the applied-event log. Inserts and deletes
// are keyed on the entity alone because ids are never reassigned. Replace
// style kinds are keyed only when the authority gave them an identity; without
// one they are naturally idempotent and keying on the payload would swallow
// legitimate A→B→A changes.
func (e Event) DedupKey() string {
	if e.ID != "" {
		return "evt:" + e.ID
	}
	if e.Revision > 0 {
		return e.EntityID + "|" + string(e.Kind) + "|" + strconv.FormatInt(e.Revision, 10)
	}
	switch {
	case e.Kind.Inserts():
		return InsertKey(e.EntityID)
	case e.Kind == KindDelete:
		return TombstoneKey(e.EntityID)
	default:
		return ""
	}
}

// InsertKey is the applied-log key recorded for every comment that entered a
// tree, whichever event carried it.
func InsertKey(entityID string) string {
	return entityID + "|insert"
}

// TombstoneKey is the applied-log key recorded when an entity is deleted.
func TombstoneKey(entityID string) string {
	return entityID + "|delete"
}
