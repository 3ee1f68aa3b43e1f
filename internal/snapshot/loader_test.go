package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/event"
	"ticketdesk/threads/internal/thread"
)

type fakeFetcher struct {
	fetchFn func(ctx context.Context, subjectID, cursor string, limit int) (comment.Page, error)
	calls   []string
}

func (f *fakeFetcher) FetchComments(ctx context.Context, subjectID, cursor string, limit int) (comment.Page, error) {
	f.calls = append(f.calls, cursor)
	return f.fetchFn(ctx, subjectID, cursor, limit)
}

var loadedAt = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func c(id string, minute int, replies ...comment.Comment) comment.Comment {
	return comment.Comment{
		ID:        id,
		Author:    "ana",
		Content:   "body " + id,
		CreatedAt: loadedAt.Add(time.Duration(minute) * time.Minute),
		Replies:   replies,
	}
}

func TestLoadWrapsFetchErrors(t *testing.T) {
	boom := errors.New("connection refused")
	loader := NewLoader(&fakeFetcher{fetchFn: func(context.Context, string, string, int) (comment.Page, error) {
		return comment.Page{}, boom
	}}, 10, zerolog.Nop())

	_, err := loader.Load(context.Background(), "T-100", "")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestLoadReportsCancellationSeparately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := NewLoader(&fakeFetcher{fetchFn: func(ctx context.Context, _ string, _ string, _ int) (comment.Page, error) {
		return comment.Page{}, ctx.Err()
	}}, 10, zerolog.Nop())

	_, err := loader.Load(ctx, "T-100", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrFetch) {
		t.Fatal("cancellation must not look like a fetch failure")
	}
}

func TestLoadPassesPageSize(t *testing.T) {
	var gotLimit int
	loader := NewLoader(&fakeFetcher{fetchFn: func(_ context.Context, _ string, _ string, limit int) (comment.Page, error) {
		gotLimit = limit
		return comment.Page{}, nil
	}}, 0, zerolog.Nop())
	if _, err := loader.Load(context.Background(), "T-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLimit != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, gotLimit)
	}
}

func TestRefetchFollowsCursorsUntilExhausted(t *testing.T) {
	fetcher := &fakeFetcher{fetchFn: func(_ context.Context, _ string, cursor string, _ int) (comment.Page, error) {
		switch cursor {
		case "":
			return comment.Page{RootComments: []comment.Comment{c("A", 3)}, NextCursor: "p2", TotalCount: 2}, nil
		case "p2":
			return comment.Page{RootComments: []comment.Comment{c("B", 1)}, TotalCount: 2}, nil
		}
		return comment.Page{}, errors.New("unexpected cursor " + cursor)
	}}
	loader := NewLoader(fetcher, 1, zerolog.Nop())

	pages, err := loader.Refetch(context.Background(), "T-1", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if diff := cmp.Diff([]string{"", "p2"}, fetcher.calls); diff != "" {
		t.Fatalf("unexpected cursors (-want +got):\n%s", diff)
	}
}

func TestEventsFlattenParentsFirst(t *testing.T) {
	page := comment.Page{RootComments: []comment.Comment{
		c("A", 5, c("R1", 6, c("R2", 7))),
		c("B", 1),
	}}
	events := Events("T-100", page, Append, loadedAt)

	type step struct {
		Kind   event.Kind
		ID     string
		Parent string
	}
	var got []step
	for _, ev := range events {
		if ev.Origin != event.OriginSnapshot {
			t.Fatalf("expected snapshot origin, got %s", ev.Origin)
		}
		if len(ev.Comment.Replies) != 0 {
			t.Fatalf("expected flattened comment for %s", ev.EntityID)
		}
		got = append(got, step{ev.Kind, ev.EntityID, ev.ParentID})
	}
	want := []step{
		{event.KindCreate, "A", ""},
		{event.KindReply, "R1", "A"},
		{event.KindReply, "R2", "R1"},
		{event.KindCreate, "B", ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestMergeBuildsTreeAndPagination(t *testing.T) {
	st := thread.NewState(thread.Options{Logger: zerolog.Nop()})
	page := comment.Page{
		RootComments: []comment.Comment{c("A", 2, c("R1", 3)), c("B", 1)},
		NextCursor:   "next",
		TotalCount:   7,
	}
	summary := Merge(st, "T-100", page, Append, loadedAt)
	if summary.Applied != 3 {
		t.Fatalf("expected 3 applied, got %+v", summary)
	}
	want := thread.Pagination{Cursor: "next", Total: 7, Pages: 1, HasMore: true}
	if st.Pagination() != want {
		t.Fatalf("expected %+v, got %+v", want, st.Pagination())
	}
	tree := st.Tree()
	if len(tree) != 2 || tree[0].ID != "A" || tree[0].Replies[0].ID != "R1" {
		t.Fatalf("unexpected tree %+v", tree)
	}

	again := Merge(st, "T-100", page, Append, loadedAt)
	if again.Applied != 0 || again.Duplicates != 3 {
		t.Fatalf("expected a repeated page to be absorbed, got %+v", again)
	}
}

func TestRepairRefreshesLoadedComments(t *testing.T) {
	st := thread.NewState(thread.Options{Logger: zerolog.Nop()})
	Merge(st, "T-1", comment.Page{RootComments: []comment.Comment{c("A", 1)}, TotalCount: 1}, Append, loadedAt)

	changed := c("A", 1)
	changed.Content = "edited while away"
	changed.Reactions = comment.Reactions{Counts: map[string]int{"like": 4}}
	changed.Attachments = []comment.Attachment{{Name: "x.png", URL: "https://f/x.png", IsImage: true}}

	st.ResetPagination()
	Merge(st, "T-1", comment.Page{RootComments: []comment.Comment{changed}, TotalCount: 1}, Repair, loadedAt)

	a, ok := st.Find("A")
	if !ok {
		t.Fatal("expected A in tree")
	}
	if a.Content != "edited while away" || a.Reactions.Counts["like"] != 4 || len(a.Attachments) != 1 {
		t.Fatalf("expected repaired comment, got %+v", a)
	}
	if st.Pagination().Pages != 1 {
		t.Fatalf("expected pages reset to 1, got %d", st.Pagination().Pages)
	}
}

func TestRepairKeepsNewerPushedChanges(t *testing.T) {
	st := thread.NewState(thread.Options{Logger: zerolog.Nop()})
	old := c("A", 1)
	old.Content = "v1"
	old.Revision = 1
	old.Reactions = comment.Reactions{Counts: map[string]int{"like": 1}}
	page := comment.Page{RootComments: []comment.Comment{old}, TotalCount: 1}
	Merge(st, "T-1", page, Append, loadedAt)

	react := event.Event{Kind: event.KindReact, Origin: event.OriginPush, EntityID: "A", Revision: 7,
		Reactions: comment.Reactions{Counts: map[string]int{"like": 2}}}
	if res := st.Apply(react); res.Outcome != thread.Applied {
		t.Fatalf("expected react to apply, got %s", res.Outcome)
	}
	update := event.Event{Kind: event.KindUpdate, Origin: event.OriginPush, EntityID: "A", Revision: 8,
		Comment: comment.Comment{ID: "A", Content: "v2"}}
	if res := st.Apply(update); res.Outcome != thread.Applied {
		t.Fatalf("expected update to apply, got %s", res.Outcome)
	}

	// The re-fetch was served before the pushes above.
	st.ResetPagination()
	summary := Merge(st, "T-1", page, Repair, loadedAt)
	if summary.Applied != 0 {
		t.Fatalf("expected nothing applied from the older page, got %+v", summary)
	}

	a, ok := st.Find("A")
	if !ok {
		t.Fatal("expected A in tree")
	}
	if a.Content != "v2" || a.Reactions.Counts["like"] != 2 {
		t.Fatalf("expected pushed state to survive repair, got content %q likes %d", a.Content, a.Reactions.Counts["like"])
	}
	if a.Revision != 8 {
		t.Fatalf("expected revision 8, got %d", a.Revision)
	}
}

func TestRepairAppliesNewerSnapshotRevision(t *testing.T) {
	st := thread.NewState(thread.Options{Logger: zerolog.Nop()})
	old := c("A", 1)
	old.Revision = 2
	Merge(st, "T-1", comment.Page{RootComments: []comment.Comment{old}, TotalCount: 1}, Append, loadedAt)

	stale := event.Event{Kind: event.KindUpdate, Origin: event.OriginPush, EntityID: "A", Revision: 2,
		Comment: comment.Comment{ID: "A", Content: "older"}}
	if res := st.Apply(stale); res.Outcome != thread.Stale {
		t.Fatalf("expected push at the inserted revision to be stale, got %s", res.Outcome)
	}

	fresh := old
	fresh.Content = "edited while away"
	fresh.Revision = 5
	fresh.Reactions = comment.Reactions{Counts: map[string]int{"heart": 3}}
	st.ResetPagination()
	Merge(st, "T-1", comment.Page{RootComments: []comment.Comment{fresh}, TotalCount: 1}, Repair, loadedAt)

	a, _ := st.Find("A")
	if a.Content != "edited while away" || a.Reactions.Counts["heart"] != 3 || a.Revision != 5 {
		t.Fatalf("expected newer snapshot to repair A, got %+v", a)
	}
}
