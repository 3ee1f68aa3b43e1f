package thread

import (
	"ticketdesk/threads/internal/comment"
)

// Tree materializes the nested, newest-first comment forest. The result
// shares nothing with s.
func (s *State) Tree() []comment.Comment {
	out := make([]comment.Comment, 0, len(s.roots))
	for _, id := range s.roots {
		out = append(out, s.materialize(id))
	}
	return out
}

func (s *State) materialize(id string) comment.Comment {
	n := s.nodes[id]
	c := n.comment
	c.Reactions = n.comment.Reactions.Clone()
	c.Attachments = comment.CloneAttachments(n.comment.Attachments)
	c.Replies = make([]comment.Comment, 0, len(n.children))
	for _, child := range n.children {
		c.Replies = append(c.Replies, s.materialize(child))
	}
	return c
}

// Find returns the comment with id and its reply subtree.
func (s *State) Find(id string) (comment.Comment, bool) {
	if _, ok := s.nodes[id]; !ok {
		return comment.Comment{}, false
	}
	return s.materialize(id), true
}

// Has reports whether id is in the tree. Orphans do not count.
func (s *State) Has(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// Len counts comments in the tree.
func (s *State) Len() int {
	return len(s.nodes)
}

// IDs lists every comment id in the tree, depth first in display order.
func (s *State) IDs() []string {
	out := make([]string, 0, len(s.nodes))
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			out = append(out, id)
			walk(s.nodes[id].children)
		}
	}
	walk(s.roots)
	return out
}

func (s *State) Pagination() Pagination {
	return s.page
}

// RecordPage takes the cursor and total from a freshly loaded page. The total
// reported by the authority replaces any live adjustment made so far.
func (s *State) RecordPage(page comment.Page) {
	s.page.Cursor = page.NextCursor
	s.page.Total = page.TotalCount
	s.page.HasMore = page.HasMore()
	s.page.Pages++
}

// ResetPagination forgets loaded pages ahead of a full re-snapshot.
func (s *State) ResetPagination() {
	s.page = Pagination{}
}

// Orphans lists waiting reply ids by the parent they wait for.
func (s *State) Orphans() map[string][]string {
	out := make(map[string][]string, len(s.orphans))
	for parent, nodes := range s.orphans {
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.comment.ID)
		}
		out[parent] = ids
	}
	return out
}

func (s *State) OrphanCount() int {
	return len(s.orphanParent)
}

// ParkedCount counts comment ids with mutations waiting for them.
func (s *State) ParkedCount() int {
	return s.parked.Len()
}

// AppliedKeys lists the applied-event log from oldest to newest.
func (s *State) AppliedKeys() []string {
	return s.applied.Keys()
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := &State{
		nodes:        make(map[string]*node, len(s.nodes)),
		roots:        append([]string(nil), s.roots...),
		orphans:      make(map[string][]*node, len(s.orphans)),
		orphanParent: make(map[string]string, len(s.orphanParent)),
		parked:       s.parked.clone(),
		applied:      s.applied.clone(),
		page:         s.page,
		logger:       s.logger,
	}
	for id, n := range s.nodes {
		out.nodes[id] = n.clone()
	}
	for parent, nodes := range s.orphans {
		copied := make([]*node, 0, len(nodes))
		for _, n := range nodes {
			copied = append(copied, n.clone())
		}
		out.orphans[parent] = copied
	}
	for id, parent := range s.orphanParent {
		out.orphanParent[id] = parent
	}
	return out
}
