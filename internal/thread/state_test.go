package thread

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/event"
)

var baseTime = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func at(minute int) time.Time {
	return baseTime.Add(time.Duration(minute) * time.Minute)
}

func newComment(id, parent string, minute int) comment.Comment {
	return comment.Comment{
		ID:          id,
		ParentID:    parent,
		Author:      "ana",
		Content:     "text " + id,
		CreatedAt:   at(minute),
		UpdatedAt:   at(minute),
		Reactions:   comment.Reactions{Counts: map[string]int{}},
		Attachments: []comment.Attachment{},
	}
}

func createEvent(id string, minute int) event.Event {
	return event.Event{Kind: event.KindCreate, Origin: event.OriginPush, EntityID: id, Comment: newComment(id, "", minute)}
}

func replyEvent(id, parent string, minute int) event.Event {
	return event.Event{Kind: event.KindReply, Origin: event.OriginPush, EntityID: id, ParentID: parent, Comment: newComment(id, parent, minute)}
}

func updateEvent(id, content string) event.Event {
	c := comment.Comment{ID: id, Content: content, UpdatedAt: at(90)}
	return event.Event{Kind: event.KindUpdate, Origin: event.OriginPush, EntityID: id, Comment: c}
}

func deleteEvent(id string) event.Event {
	return event.Event{Kind: event.KindDelete, Origin: event.OriginPush, EntityID: id}
}

func reactEvent(id string, counts map[string]int, viewer string) event.Event {
	return event.Event{Kind: event.KindReact, Origin: event.OriginPush, EntityID: id, Reactions: comment.Reactions{Counts: counts, Viewer: viewer}}
}

func attachEvent(id string, names ...string) event.Event {
	items := []comment.Attachment{}
	for _, name := range names {
		items = append(items, comment.Attachment{Name: name, URL: "https://files/" + name})
	}
	return event.Event{Kind: event.KindAttach, Origin: event.OriginPush, EntityID: id, Attachments: items}
}

func newTestState() *State {
	return NewState(Options{Logger: zerolog.Nop()})
}

func mustApply(t *testing.T, s *State, ev event.Event, want Outcome) Result {
	t.Helper()
	res := s.Apply(ev)
	if res.Outcome != want {
		t.Fatalf("apply %s %s: expected %s, got %s (%s)", ev.Kind, ev.EntityID, want, res.Outcome, res.Reason)
	}
	return res
}

func rootIDs(tree []comment.Comment) []string {
	out := make([]string, 0, len(tree))
	for _, c := range tree {
		out = append(out, c.ID)
	}
	return out
}

func seededState(t *testing.T) *State {
	t.Helper()
	s := newTestState()
	mustApply(t, s, createEvent("A", 1), Applied)
	mustApply(t, s, replyEvent("R1", "A", 2), Applied)
	mustApply(t, s, createEvent("B", 3), Applied)
	return s
}

func TestApplyIsIdempotentForEveryKind(t *testing.T) {
	detach := attachEvent("R1")
	detach.Kind = event.KindDetach

	cases := map[string]event.Event{
		"create":        createEvent("C", 5),
		"reply":         replyEvent("R2", "A", 6),
		"orphan reply":  replyEvent("R9", "missing", 6),
		"update":        updateEvent("A", "edited"),
		"update parked": updateEvent("ghost", "edited"),
		"delete":        deleteEvent("A"),
		"delete reply":  deleteEvent("R1"),
		"react":         reactEvent("B", map[string]int{"like": 2}, "like"),
		"attach":        attachEvent("A", "a.png", "b.pdf"),
		"detach":        detach,
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			seed := seededState(t)
			once, _ := Apply(seed, ev)
			twice, second := Apply(once, ev)

			if second.Outcome == Applied && ev.Kind.Inserts() {
				t.Fatalf("expected second insert to be absorbed, got %s", second.Outcome)
			}
			if diff := cmp.Diff(once.Tree(), twice.Tree()); diff != "" {
				t.Fatalf("tree changed on re-apply (-once +twice):\n%s", diff)
			}
			if once.Pagination() != twice.Pagination() {
				t.Fatalf("pagination changed on re-apply: %+v vs %+v", once.Pagination(), twice.Pagination())
			}
			if diff := cmp.Diff(once.Orphans(), twice.Orphans()); diff != "" {
				t.Fatalf("orphans changed on re-apply:\n%s", diff)
			}
			if once.ParkedCount() != twice.ParkedCount() {
				t.Fatalf("parked count changed on re-apply: %d vs %d", once.ParkedCount(), twice.ParkedCount())
			}
		})
	}
}

func permutations(events []event.Event) [][]event.Event {
	if len(events) <= 1 {
		return [][]event.Event{append([]event.Event(nil), events...)}
	}
	var out [][]event.Event
	for i := range events {
		rest := make([]event.Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, tail := range permutations(rest) {
			out = append(out, append([]event.Event{events[i]}, tail...))
		}
	}
	return out
}

func TestCreateAndRepliesConvergeInAnyOrder(t *testing.T) {
	events := []event.Event{
		createEvent("A", 1),
		replyEvent("R1", "A", 2),
		replyEvent("R2", "A", 3),
		replyEvent("R3", "R1", 4),
		createEvent("B", 5),
	}
	reference := newTestState()
	for _, ev := range events {
		reference.Apply(ev)
	}
	want := reference.Tree()
	if reference.Len() != 5 {
		t.Fatalf("expected 5 comments in reference tree, got %d", reference.Len())
	}

	for i, order := range permutations(events) {
		s := newTestState()
		for _, ev := range order {
			s.Apply(ev)
		}
		if diff := cmp.Diff(want, s.Tree()); diff != "" {
			t.Fatalf("permutation %d diverged (-want +got):\n%s", i, diff)
		}
		if s.OrphanCount() != 0 {
			t.Fatalf("permutation %d left %d orphans", i, s.OrphanCount())
		}
		if s.Pagination().Total != 2 {
			t.Fatalf("permutation %d: expected total 2, got %d", i, s.Pagination().Total)
		}
	}
}

func TestOrphanAttachesWhenParentArrives(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("R1", "P", 2), Orphaned)
	mustApply(t, s, replyEvent("R2", "R1", 3), Orphaned)
	if s.OrphanCount() != 2 {
		t.Fatalf("expected 2 orphans, got %d", s.OrphanCount())
	}
	if s.Has("R1") {
		t.Fatal("orphan must not be in the tree")
	}

	res := mustApply(t, s, createEvent("P", 1), Applied)
	if diff := cmp.Diff([]string{"R1", "R2"}, res.Adopted); diff != "" {
		t.Fatalf("unexpected adoption (-want +got):\n%s", diff)
	}
	if s.OrphanCount() != 0 {
		t.Fatalf("expected no orphans after adoption, got %d", s.OrphanCount())
	}
	p, ok := s.Find("P")
	if !ok || len(p.Replies) != 1 || p.Replies[0].ID != "R1" {
		t.Fatalf("expected P.replies=[R1], got %+v", p.Replies)
	}
	if len(p.Replies[0].Replies) != 1 || p.Replies[0].Replies[0].ID != "R2" {
		t.Fatalf("expected R1.replies=[R2], got %+v", p.Replies[0].Replies)
	}
}

func TestDuplicateOrphanIsSkipped(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("R1", "P", 2), Orphaned)
	ev := replyEvent("R1", "P", 2)
	ev.ID = "different-event"
	mustApply(t, s, ev, Duplicate)
	if got := s.Orphans()["P"]; len(got) != 1 {
		t.Fatalf("expected a single orphan under P, got %v", got)
	}
}

func TestDeleteCascadesAndDecrementsRootTotal(t *testing.T) {
	s := newTestState()
	s.RecordPage(comment.Page{TotalCount: 5})
	mustApply(t, s, createEvent("A", 1), Applied)
	mustApply(t, s, replyEvent("R1", "A", 2), Applied)
	mustApply(t, s, replyEvent("R2", "R1", 3), Applied)
	mustApply(t, s, replyEvent("R3", "A", 4), Applied)
	mustApply(t, s, createEvent("B", 5), Applied)
	before := s.Pagination().Total

	res := mustApply(t, s, deleteEvent("A"), Applied)
	if len(res.Removed) != 4 {
		t.Fatalf("expected 4 removed comments, got %v", res.Removed)
	}
	if s.Len() != 1 || !s.Has("B") {
		t.Fatalf("expected only B to remain, got %v", s.IDs())
	}
	if got := s.Pagination().Total; got != before-1 {
		t.Fatalf("expected total %d, got %d", before-1, got)
	}
}

func TestDeletingReplyKeepsRootTotal(t *testing.T) {
	s := seededState(t)
	total := s.Pagination().Total
	mustApply(t, s, deleteEvent("R1"), Applied)
	if s.Pagination().Total != total {
		t.Fatalf("expected total %d, got %d", total, s.Pagination().Total)
	}
	a, _ := s.Find("A")
	if len(a.Replies) != 0 {
		t.Fatalf("expected A to have no replies, got %+v", a.Replies)
	}
}

func TestDeletePurgesOrphans(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("R1", "P", 2), Orphaned)
	mustApply(t, s, replyEvent("R2", "R1", 3), Orphaned)
	mustApply(t, s, deleteEvent("P"), NotFound)
	if s.OrphanCount() != 0 {
		t.Fatalf("expected orphans of a deleted parent to be purged, got %v", s.Orphans())
	}
	mustApply(t, s, createEvent("P", 1), Ignored)
	mustApply(t, s, replyEvent("R4", "P", 4), Ignored)
	if s.Len() != 0 {
		t.Fatalf("expected empty tree, got %v", s.IDs())
	}
}

func TestDeleteOfOrphanRemovesIt(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("R1", "P", 2), Orphaned)
	mustApply(t, s, deleteEvent("R1"), Applied)
	mustApply(t, s, createEvent("P", 1), Applied)
	p, _ := s.Find("P")
	if len(p.Replies) != 0 {
		t.Fatalf("expected deleted orphan to stay gone, got %+v", p.Replies)
	}
}

func TestScenarioSnapshotThenLiveReply(t *testing.T) {
	s := newTestState()
	for _, c := range []comment.Comment{newComment("A", "", 2), newComment("B", "", 1)} {
		mustApply(t, s, event.Event{Kind: event.KindCreate, Origin: event.OriginSnapshot, EntityID: c.ID, Comment: c}, Applied)
	}
	s.RecordPage(comment.Page{TotalCount: 2})

	mustApply(t, s, replyEvent("R1", "A", 3), Applied)

	tree := s.Tree()
	if diff := cmp.Diff([]string{"A", "B"}, rootIDs(tree)); diff != "" {
		t.Fatalf("unexpected root order (-want +got):\n%s", diff)
	}
	if len(tree[0].Replies) != 1 || tree[0].Replies[0].ID != "R1" {
		t.Fatalf("expected A.replies=[R1], got %+v", tree[0].Replies)
	}
	if len(tree[1].Replies) != 0 {
		t.Fatalf("expected B to have no replies, got %+v", tree[1].Replies)
	}
	if got := s.Pagination().Total; got != 2 {
		t.Fatalf("expected total 2, got %d", got)
	}
}

func TestDuplicateCreateCountsOnce(t *testing.T) {
	s := seededState(t)
	s.RecordPage(comment.Page{TotalCount: 2})

	mustApply(t, s, createEvent("C", 10), Applied)
	echo := createEvent("C", 10)
	echo.ID = "echo-1"
	mustApply(t, s, echo, Duplicate)

	if got := s.Pagination().Total; got != 3 {
		t.Fatalf("expected total 3, got %d", got)
	}
	count := 0
	for _, c := range s.Tree() {
		if c.ID == "C" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one C, got %d", count)
	}
	if ids := rootIDs(s.Tree()); ids[0] != "C" {
		t.Fatalf("expected newest root first, got %v", ids)
	}
}

func TestSnapshotCreatesDoNotMoveTotal(t *testing.T) {
	s := newTestState()
	c := newComment("A", "", 1)
	mustApply(t, s, event.Event{Kind: event.KindCreate, Origin: event.OriginSnapshot, EntityID: "A", Comment: c}, Applied)
	if s.Pagination().Total != 0 {
		t.Fatalf("expected snapshot create to leave total alone, got %d", s.Pagination().Total)
	}
}

func TestCyclicRepliesAreRejected(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("Z", "Z", 1), Rejected)
	mustApply(t, s, replyEvent("Y", "X", 2), Orphaned)
	mustApply(t, s, replyEvent("X", "Y", 3), Rejected)
	if s.OrphanCount() != 1 {
		t.Fatalf("expected only Y to be waiting, got %v", s.Orphans())
	}
}

func TestMutationBeforeCreateIsReplayed(t *testing.T) {
	s := newTestState()
	mustApply(t, s, updateEvent("A", "early edit"), Parked)
	mustApply(t, s, reactEvent("A", map[string]int{"like": 3}, ""), Parked)
	if s.ParkedCount() != 1 {
		t.Fatalf("expected one parked entity, got %d", s.ParkedCount())
	}

	res := mustApply(t, s, createEvent("A", 1), Applied)
	if res.Replayed != 2 {
		t.Fatalf("expected 2 replayed mutations, got %d", res.Replayed)
	}
	a, _ := s.Find("A")
	if a.Content != "early edit" || a.Reactions.Counts["like"] != 3 {
		t.Fatalf("expected parked mutations applied, got %+v", a)
	}
	if s.ParkedCount() != 0 {
		t.Fatalf("expected parked buffer drained, got %d", s.ParkedCount())
	}
}

func TestMutationOfOrphanSurvivesAdoption(t *testing.T) {
	s := newTestState()
	mustApply(t, s, replyEvent("R1", "P", 2), Orphaned)
	mustApply(t, s, attachEvent("R1", "log.txt"), Applied)
	mustApply(t, s, createEvent("P", 1), Applied)
	r1, _ := s.Find("R1")
	if len(r1.Attachments) != 1 || r1.Attachments[0].Name != "log.txt" {
		t.Fatalf("expected attachment to survive adoption, got %+v", r1.Attachments)
	}
}

func TestParkedBufferIsBounded(t *testing.T) {
	s := NewState(Options{ParkLimit: 2, Logger: zerolog.Nop()})
	mustApply(t, s, updateEvent("a", "1"), Parked)
	mustApply(t, s, updateEvent("b", "1"), Parked)
	mustApply(t, s, updateEvent("c", "1"), Parked)
	if s.ParkedCount() != 2 {
		t.Fatalf("expected 2 parked entities, got %d", s.ParkedCount())
	}
	res := mustApply(t, s, createEvent("a", 1), Applied)
	if res.Replayed != 0 {
		t.Fatalf("expected oldest parked entity to be evicted, replayed %d", res.Replayed)
	}
}

func TestStaleRevisionIsSkipped(t *testing.T) {
	s := seededState(t)
	newer := updateEvent("A", "v2")
	newer.Revision = 2
	older := updateEvent("A", "v1")
	older.Revision = 1

	mustApply(t, s, newer, Applied)
	mustApply(t, s, older, Stale)
	a, _ := s.Find("A")
	if a.Content != "v2" {
		t.Fatalf("expected v2 to win, got %q", a.Content)
	}

	react := reactEvent("A", map[string]int{"like": 1}, "")
	react.Revision = 1
	mustApply(t, s, react, Applied)
}

func TestReplaceWithoutIdentityAllowsRevert(t *testing.T) {
	s := seededState(t)
	mustApply(t, s, updateEvent("A", "one"), Applied)
	mustApply(t, s, updateEvent("A", "two"), Applied)
	mustApply(t, s, updateEvent("A", "one"), Applied)
	a, _ := s.Find("A")
	if a.Content != "one" {
		t.Fatalf("expected content to revert to one, got %q", a.Content)
	}
}

func TestAppliedLogEvictsOldestKeys(t *testing.T) {
	s := NewState(Options{AppliedLogSize: 2, Logger: zerolog.Nop()})
	for _, id := range []string{"x", "y", "z"} {
		ev := updateEvent(id, "v")
		ev.ID = "e-" + id
		s.Apply(ev)
	}
	keys := s.AppliedKeys()
	if diff := cmp.Diff([]string{"evt:e-y", "evt:e-z"}, keys); diff != "" {
		t.Fatalf("unexpected applied log (-want +got):\n%s", diff)
	}
}

func TestApplyLeavesInputStateUntouched(t *testing.T) {
	seed := seededState(t)
	before := seed.Tree()
	next, res := Apply(seed, deleteEvent("A"))
	if res.Outcome != Applied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}
	if diff := cmp.Diff(before, seed.Tree()); diff != "" {
		t.Fatalf("input state changed (-before +after):\n%s", diff)
	}
	if next.Has("A") {
		t.Fatal("expected A removed from the returned state")
	}
}

func TestTreeIsACopy(t *testing.T) {
	s := seededState(t)
	mustApply(t, s, reactEvent("A", map[string]int{"like": 1}, "like"), Applied)
	tree := s.Tree()
	tree[1].Reactions.Counts["like"] = 99
	tree[1].Replies[0].Content = "mutated"

	a, _ := s.Find("A")
	if a.Reactions.Counts["like"] != 1 || a.Replies[0].Content != "text R1" {
		t.Fatalf("expected tree view to be detached, got %+v", a)
	}
}

func TestNonMutatingKindsAreIgnored(t *testing.T) {
	s := seededState(t)
	mustApply(t, s, event.Event{Kind: event.KindConnectionMeta, ConnectionID: "c"}, Ignored)
	mustApply(t, s, event.Event{Kind: event.KindProtocolError, Reason: "bad"}, Ignored)
	mustApply(t, s, event.Event{Kind: event.KindUpdate}, Rejected)
}

func TestRecordPageTracksCursor(t *testing.T) {
	s := newTestState()
	s.RecordPage(comment.Page{NextCursor: "c2", TotalCount: 40})
	s.RecordPage(comment.Page{NextCursor: "", TotalCount: 41})
	want := Pagination{Cursor: "", Total: 41, Pages: 2, HasMore: false}
	if s.Pagination() != want {
		t.Fatalf("expected %+v, got %+v", want, s.Pagination())
	}
}
