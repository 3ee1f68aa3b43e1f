// Package thread is the merge engine that folds normalized events into one
// subject's comment tree. It is idempotent, tolerates any delivery order for
// creates and replies, and never blocks.
package thread

import (
	"sort"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/event"
)

type Outcome int

const (
	// Applied means the tree changed.
	Applied Outcome = iota
	// Duplicate means the event, or the entity it creates, was already merged.
	Duplicate
	// Orphaned means a reply was held until its parent arrives.
	Orphaned
	// Parked means a mutation was held until its comment arrives.
	Parked
	// NotFound means the target is gone and the event had nothing to do.
	NotFound
	// Stale means a newer revision of the same field was already merged.
	Stale
	// Rejected means the event was inconsistent, such as a cyclic reply.
	Rejected
	// Ignored covers events that never mutate a tree.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Orphaned:
		return "orphaned"
	case Parked:
		return "parked"
	case NotFound:
		return "not_found"
	case Stale:
		return "stale"
	case Rejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Result describes what one Apply call did.
type Result struct {
	Outcome Outcome
	// Adopted lists orphans attached because their parent arrived.
	Adopted []string
	// Removed lists every id a delete dropped from the tree.
	Removed []string
	// Replayed counts parked mutations applied after an insert.
	Replayed int
	Reason   string
}

// Changed reports whether readers should refresh their view.
func (r Result) Changed() bool {
	return r.Outcome == Applied
}

// Pagination summarizes the root comment pages loaded so far.
type Pagination struct {
	Cursor  string `json:"cursor"`
	Total   int    `json:"total"`
	Pages   int    `json:"pages"`
	HasMore bool   `json:"hasMore"`
}

type Options struct {
	AppliedLogSize int
	ParkLimit      int
	Logger         zerolog.Logger
}

type node struct {
	comment   comment.Comment
	parent    string
	children  []string
	revisions map[string]int64
}

// mutableFields lists the fields replace-style events overwrite.
var mutableFields = []string{
	event.KindUpdate.Field(),
	event.KindReact.Field(),
	event.KindAttach.Field(),
}

// newNode seeds every field's revision with the one the comment arrived at,
// so replace events older than the inserted state come back Stale.
func newNode(c comment.Comment, revision int64) *node {
	c.Replies = nil
	c.Reactions = c.Reactions.Clone()
	c.Attachments = comment.CloneAttachments(c.Attachments)
	if revision < c.Revision {
		revision = c.Revision
	}
	c.Revision = revision
	n := &node{comment: c, parent: c.ParentID, revisions: make(map[string]int64, len(mutableFields))}
	if revision > 0 {
		for _, field := range mutableFields {
			n.revisions[field] = revision
		}
	}
	return n
}

func (n *node) clone() *node {
	out := &node{
		comment:   n.comment,
		parent:    n.parent,
		children:  append([]string(nil), n.children...),
		revisions: make(map[string]int64, len(n.revisions)),
	}
	out.comment.Reactions = n.comment.Reactions.Clone()
	out.comment.Attachments = comment.CloneAttachments(n.comment.Attachments)
	for field, rev := range n.revisions {
		out.revisions[field] = rev
	}
	return out
}

// State is one subject's tree together with everything needed to merge the
// next event: the orphan set, parked mutations, the applied-event log and the
// pagination summary. Nodes live in a flat index; the nested form is only
// built for readers.
type State struct {
	nodes map[string]*node
	roots []string

	// orphans holds replies whose parent is not in the tree, by parent id in
	// arrival order. orphanParent indexes the same nodes by their own id.
	orphans      map[string][]*node
	orphanParent map[string]string

	parked  *parkedSet
	applied *appliedLog
	page    Pagination
	logger  zerolog.Logger
}

func NewState(opts Options) *State {
	return &State{
		nodes:        map[string]*node{},
		orphans:      map[string][]*node{},
		orphanParent: map[string]string{},
		parked:       newParkedSet(opts.ParkLimit),
		applied:      newAppliedLog(opts.AppliedLogSize),
		logger:       opts.Logger,
	}
}

// Apply merges ev into a copy of s and returns the copy, leaving s untouched.
func Apply(s *State, ev event.Event) (*State, Result) {
	next := s.Clone()
	res := next.Apply(ev)
	return next, res
}

// Apply merges ev into s.
func (s *State) Apply(ev event.Event) Result {
	if !ev.Kind.Mutates() {
		return Result{Outcome: Ignored, Reason: string(ev.Kind)}
	}
	if ev.EntityID == "" {
		return Result{Outcome: Rejected, Reason: "missing entity id"}
	}
	key := ev.DedupKey()
	if s.applied.Contains(key) {
		return Result{Outcome: Duplicate}
	}

	var res Result
	switch ev.Kind {
	case event.KindCreate:
		res = s.insert(ev, "")
	case event.KindReply:
		if ev.ParentID == "" {
			res = s.insert(ev, "")
		} else {
			res = s.insert(ev, ev.ParentID)
		}
	case event.KindDelete:
		res = s.remove(ev)
	default:
		res = s.mutate(ev)
	}

	switch res.Outcome {
	case Applied, Orphaned, Parked:
		s.applied.Record(key)
	}
	return res
}

func (s *State) insert(ev event.Event, parentID string) Result {
	id := ev.EntityID
	if s.applied.Contains(event.TombstoneKey(id)) {
		return Result{Outcome: Ignored, Reason: "comment was deleted"}
	}
	if _, ok := s.nodes[id]; ok {
		return Result{Outcome: Duplicate}
	}
	if _, ok := s.orphanParent[id]; ok {
		return Result{Outcome: Duplicate}
	}
	if parentID != "" && s.applied.Contains(event.TombstoneKey(parentID)) {
		s.parked.Drop(id)
		s.applied.Record(event.TombstoneKey(id))
		return Result{Outcome: Ignored, Reason: "parent was deleted"}
	}

	c := ev.Comment
	c.ID = id
	c.ParentID = parentID
	n := newNode(c, ev.Revision)

	if parentID != "" {
		if _, ok := s.nodes[parentID]; !ok {
			if s.formsCycle(id, parentID) {
				s.logger.Warn().Str("comment", id).Str("parent", parentID).Msg("thread: rejecting cyclic reply")
				return Result{Outcome: Rejected, Reason: "cyclic parent reference"}
			}
			s.orphans[parentID] = append(s.orphans[parentID], n)
			s.orphanParent[id] = parentID
			s.applied.Record(event.InsertKey(id))
			return Result{Outcome: Orphaned}
		}
	}

	res := Result{Outcome: Applied}
	s.link(n)
	if parentID == "" && ev.Origin == event.OriginPush {
		s.page.Total++
	}
	s.applied.Record(event.InsertKey(id))
	res.Replayed += s.replay(id)
	s.adopt(id, &res)
	return res
}

// link places n in the index and in its parent's (or the root) sequence.
func (s *State) link(n *node) {
	id := n.comment.ID
	s.nodes[id] = n
	if n.parent == "" {
		s.roots = s.insertSorted(s.roots, id)
		return
	}
	parent := s.nodes[n.parent]
	parent.children = s.insertSorted(parent.children, id)
}

// adopt attaches every orphan waiting on parentID, then their own orphans.
func (s *State) adopt(parentID string, res *Result) {
	pending := []string{parentID}
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]
		waiting := s.orphans[current]
		if len(waiting) == 0 {
			continue
		}
		delete(s.orphans, current)
		for _, orphan := range waiting {
			id := orphan.comment.ID
			delete(s.orphanParent, id)
			s.link(orphan)
			res.Adopted = append(res.Adopted, id)
			res.Replayed += s.replay(id)
			pending = append(pending, id)
		}
	}
}

func (s *State) replay(id string) int {
	replayed := 0
	for _, ev := range s.parked.Take(id) {
		if res := s.mutate(ev); res.Outcome == Applied {
			replayed++
		}
	}
	return replayed
}

// formsCycle walks the ancestor chain of parentID through the tree and the
// orphan index and reports whether id is among them.
func (s *State) formsCycle(id, parentID string) bool {
	seen := map[string]struct{}{}
	current := parentID
	for current != "" {
		if current == id {
			return true
		}
		if _, ok := seen[current]; ok {
			return true
		}
		seen[current] = struct{}{}
		if n, ok := s.nodes[current]; ok {
			current = n.parent
			continue
		}
		if parent, ok := s.orphanParent[current]; ok {
			current = parent
			continue
		}
		return false
	}
	return false
}

func (s *State) mutate(ev event.Event) Result {
	target := s.lookup(ev.EntityID)
	if target == nil {
		if s.applied.Contains(event.TombstoneKey(ev.EntityID)) {
			return Result{Outcome: NotFound, Reason: "comment was deleted"}
		}
		if s.parked.Park(ev) {
			s.logger.Debug().Str("comment", ev.EntityID).Msg("thread: parked mutation buffer full, dropped oldest entity")
		}
		return Result{Outcome: Parked}
	}

	field := ev.Kind.Field()
	if ev.Revision > 0 && ev.Revision <= target.revisions[field] {
		return Result{Outcome: Stale}
	}

	switch ev.Kind {
	case event.KindUpdate:
		target.comment.Content = ev.Comment.Content
		if !ev.Comment.UpdatedAt.IsZero() {
			target.comment.UpdatedAt = ev.Comment.UpdatedAt
		}
	case event.KindReact:
		target.comment.Reactions = ev.Reactions.Clone()
	case event.KindAttach, event.KindDetach:
		target.comment.Attachments = comment.CloneAttachments(ev.Attachments)
	}
	if ev.Revision > 0 {
		target.revisions[field] = ev.Revision
		if ev.Revision > target.comment.Revision {
			target.comment.Revision = ev.Revision
		}
	}
	return Result{Outcome: Applied}
}

// lookup finds id in the tree or, failing that, among the orphans so that
// edits to a reply still waiting for its parent are not lost.
func (s *State) lookup(id string) *node {
	if n, ok := s.nodes[id]; ok {
		return n
	}
	parent, ok := s.orphanParent[id]
	if !ok {
		return nil
	}
	for _, n := range s.orphans[parent] {
		if n.comment.ID == id {
			return n
		}
	}
	return nil
}

func (s *State) remove(ev event.Event) Result {
	id := ev.EntityID
	res := Result{Outcome: NotFound}

	if n, ok := s.nodes[id]; ok {
		res.Outcome = Applied
		if n.parent == "" {
			s.roots = without(s.roots, id)
			if ev.Origin == event.OriginPush && s.page.Total > 0 {
				s.page.Total--
			}
		} else if parent, ok := s.nodes[n.parent]; ok {
			parent.children = without(parent.children, id)
		}
		res.Removed = s.unlinkSubtree(id)
	} else if parent, ok := s.orphanParent[id]; ok {
		res.Outcome = Applied
		s.orphans[parent] = withoutNode(s.orphans[parent], id)
		if len(s.orphans[parent]) == 0 {
			delete(s.orphans, parent)
		}
		delete(s.orphanParent, id)
		res.Removed = []string{id}
	}

	dropped := []string{id}
	dropped = append(dropped, res.Removed...)
	for _, gone := range dropped {
		s.parked.Drop(gone)
		s.dropOrphansOf(gone)
		s.applied.Record(event.TombstoneKey(gone))
	}
	if res.Outcome == NotFound {
		// Recorded anyway so a late create for the id stays dead.
		s.applied.Record(ev.DedupKey())
	}
	return res
}

func (s *State) unlinkSubtree(id string) []string {
	var removed []string
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := s.nodes[current]
		if !ok {
			continue
		}
		removed = append(removed, current)
		stack = append(stack, n.children...)
		delete(s.nodes, current)
	}
	return removed
}

// dropOrphansOf discards orphans waiting on parentID and their descendants.
func (s *State) dropOrphansOf(parentID string) {
	pending := []string{parentID}
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]
		for _, orphan := range s.orphans[current] {
			id := orphan.comment.ID
			delete(s.orphanParent, id)
			s.parked.Drop(id)
			s.applied.Record(event.TombstoneKey(id))
			pending = append(pending, id)
		}
		delete(s.orphans, current)
	}
}

func (s *State) insertSorted(ids []string, id string) []string {
	c := s.nodes[id].comment
	at := sort.Search(len(ids), func(i int) bool {
		other := s.nodes[ids[i]].comment
		return comment.Before(c.CreatedAt, c.ID, other.CreatedAt, other.ID)
	})
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func withoutNode(nodes []*node, id string) []*node {
	out := nodes[:0]
	for _, n := range nodes {
		if n.comment.ID != id {
			out = append(out, n)
		}
	}
	return out
}
