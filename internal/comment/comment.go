// Package comment defines the comment model shared by the thread synchronizer
// and the reference authority.
package comment

import (
	"strings"
	"time"
)

// Reactions holds the per-kind counts of a comment and the viewer's own
// reaction kind ("" when the viewer has not reacted).
type Reactions struct {
	Counts map[string]int `json:"counts"`
	Viewer string         `json:"viewer,omitempty"`
}

// Clone returns a copy that shares no map with r.
func (r Reactions) Clone() Reactions {
	out := Reactions{Viewer: r.Viewer, Counts: make(map[string]int, len(r.Counts))}
	for kind, count := range r.Counts {
		out.Counts[kind] = count
	}
	return out
}

// Total is the sum of all reaction counts.
func (r Reactions) Total() int {
	total := 0
	for _, count := range r.Counts {
		total += count
	}
	return total
}

// Attachment describes a file attached to a comment.
type Attachment struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	IsImage   bool   `json:"isImage"`
}

// IsImageType reports whether a media type should be rendered inline.
func IsImageType(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/")
}

// CloneAttachments copies an attachment list, preserving order.
func CloneAttachments(items []Attachment) []Attachment {
	out := make([]Attachment, len(items))
	copy(out, items)
	return out
}

// Comment is one node of a subject's comment tree. Replies are ordered
// newest-first. Revision is the authority's per-comment counter, bumped by
// every edit, reaction and attachment change.
type Comment struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parentId,omitempty"`
	Author      string       `json:"author"`
	Content     string       `json:"content"`
	Revision    int64        `json:"revision,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Reactions   Reactions    `json:"reactions"`
	Attachments []Attachment `json:"attachments"`
	Replies     []Comment    `json:"replies"`
}

// IsRoot reports whether the comment has no parent.
func (c Comment) IsRoot() bool {
	return c.ParentID == ""
}

// Clone returns a deep copy of c including its reply subtree.
func (c Comment) Clone() Comment {
	out := c
	out.Reactions = c.Reactions.Clone()
	out.Attachments = CloneAttachments(c.Attachments)
	out.Replies = make([]Comment, len(c.Replies))
	for i, reply := range c.Replies {
		out.Replies[i] = reply.Clone()
	}
	return out
}

// Size counts c and every comment below it.
func (c Comment) Size() int {
	n := 1
	for _, reply := range c.Replies {
		n += reply.Size()
	}
	return n
}

// Find searches the subtree rooted at c for id.
func (c Comment) Find(id string) (Comment, bool) {
	if c.ID == id {
		return c, true
	}
	for _, reply := range c.Replies {
		if found, ok := reply.Find(id); ok {
			return found, true
		}
	}
	return Comment{}, false
}

// Before reports whether a comment created at aTime with id aID sorts ahead of
// one created at bTime with id bID in a newest-first sequence. Ties on time
// fall back to the id so the order never depends on arrival.
func Before(aTime time.Time, aID string, bTime time.Time, bID string) bool {
	if !aTime.Equal(bTime) {
		return aTime.After(bTime)
	}
	return aID > bID
}

// Page is one request/response snapshot of root comments with their replies
// already materialized.
type Page struct {
	RootComments []Comment `json:"rootComments"`
	NextCursor   string    `json:"nextCursor"`
	TotalCount   int       `json:"totalCount"`
}

// HasMore reports whether another page can be requested.
func (p Page) HasMore() bool {
	return p.NextCursor != ""
}
