package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/store"
)

type fakeIndex struct {
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)

	mu      sync.Mutex
	indexed []CommentRecord
	deleted []string
	done    chan struct{}
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) {
	return f.searchFn(q)
}

func (f *fakeIndex) IndexComments(records []CommentRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func (f *fakeIndex) DeleteComment(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

type fakeCommentStore struct {
	searchFn func(subjectID, query string, limit int) ([]store.Comment, error)
	all      []store.Comment
}

func (f *fakeCommentStore) SearchComments(_ context.Context, subjectID, query string, limit int) ([]store.Comment, error) {
	return f.searchFn(subjectID, query, limit)
}

func (f *fakeCommentStore) ListAllComments(context.Context, time.Time) ([]store.Comment, error) {
	return f.all, nil
}

func storeHits(ids ...string) func(string, string, int) ([]store.Comment, error) {
	return func(subjectID, _ string, _ int) ([]store.Comment, error) {
		items := make([]store.Comment, 0, len(ids))
		for _, id := range ids {
			items = append(items, store.Comment{ID: id, SubjectID: subjectID, Content: "the build is broken", CreatedAt: time.Unix(100, 0)})
		}
		return items, nil
	}
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		if q.SubjectID != "T-100" {
			t.Fatalf("expected subject filter, got %q", q.SubjectID)
		}
		return []Result{{ID: "A"}}, 1, nil
	}}
	fallback := NewPgFTS(&fakeCommentStore{searchFn: func(string, string, int) ([]store.Comment, error) {
		t.Fatal("fallback should not be called")
		return nil, nil
	}})
	svc := NewService(index, fallback, zerolog.Nop())

	resp := svc.Search(Query{Text: "build", SubjectID: "T-100"})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].ID != "A" || resp.Query != "build" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallsBackOnIndexError(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	svc := NewService(index, NewPgFTS(&fakeCommentStore{searchFn: storeHits("B", "C")}), zerolog.Nop())

	resp := svc.Search(Query{Text: "build", SubjectID: "T-100"})
	if resp.Total != 2 || len(resp.Results) != 2 || resp.Results[0].ID != "B" {
		t.Fatalf("unexpected fallback response %+v", resp)
	}
	if !strings.Contains(resp.Results[0].Snippet, "<mark>build</mark>") {
		t.Fatalf("expected highlighted snippet, got %q", resp.Results[0].Snippet)
	}
}

func TestSearchWithoutIndexUsesStore(t *testing.T) {
	svc := NewService(nil, NewPgFTS(&fakeCommentStore{searchFn: storeHits("A")}), zerolog.Nop())
	resp := svc.Search(Query{Text: "build"})
	if len(resp.Results) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	svc := NewService(nil, NewPgFTS(&fakeCommentStore{searchFn: func(string, string, int) ([]store.Comment, error) {
		return nil, errors.New("db down")
	}}), zerolog.Nop())
	resp := svc.Search(Query{Text: "build"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestPgFTSOffsetAndBlankQuery(t *testing.T) {
	fts := NewPgFTS(&fakeCommentStore{searchFn: storeHits("A", "B", "C")})
	results, total, err := fts.Search(Query{Text: "build", Offset: 2, Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 3 || len(results) != 1 || results[0].ID != "C" {
		t.Fatalf("unexpected page total=%d results=%+v", total, results)
	}

	results, total, err = fts.Search(Query{Text: "  "})
	if err != nil || total != 0 || results != nil {
		t.Fatalf("blank query should be empty, got %v %d %v", results, total, err)
	}
}

func TestIndexAndDeleteAreAsync(t *testing.T) {
	index := &fakeIndex{healthy: true, done: make(chan struct{}, 4)}
	svc := NewService(index, nil, zerolog.Nop())

	svc.IndexComment(CommentRecord{ID: "A"})
	svc.DeleteComments([]string{"A", "R1"})
	for i := 0; i < 3; i++ {
		select {
		case <-index.done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for index calls")
		}
	}

	index.mu.Lock()
	defer index.mu.Unlock()
	if len(index.indexed) != 1 || strings.Join(index.deleted, ",") != "A,R1" {
		t.Fatalf("unexpected index calls indexed=%+v deleted=%v", index.indexed, index.deleted)
	}
}

func TestUnhealthyIndexSkipsWrites(t *testing.T) {
	index := &fakeIndex{healthy: false}
	svc := NewService(index, nil, zerolog.Nop())
	svc.IndexComment(CommentRecord{ID: "A"})
	svc.DeleteComments([]string{"A"})
	svc.Reindex(context.Background(), time.Time{})
	if len(index.indexed) != 0 || len(index.deleted) != 0 {
		t.Fatal("unhealthy index should not be written")
	}
}

func TestReindexLoadsFromStore(t *testing.T) {
	index := &fakeIndex{healthy: true}
	all := []store.Comment{{ID: "A", SubjectID: "T-100", Content: "x", CreatedAt: time.Unix(5, 0)}, {ID: "B", SubjectID: "T-100"}}
	svc := NewService(index, NewPgFTS(&fakeCommentStore{all: all}), zerolog.Nop())

	svc.Reindex(context.Background(), time.Time{})
	if len(index.indexed) != 2 || index.indexed[0].CreatedAt != 5 || index.indexed[0].SubjectID != "T-100" {
		t.Fatalf("unexpected reindex %+v", index.indexed)
	}
}

func TestSnippetTrimsLongContent(t *testing.T) {
	content := strings.Repeat("a", 100) + "Needle" + strings.Repeat("b", 100)
	got := snippet(content, "needle")
	if !strings.HasPrefix(got, "…") || !strings.HasSuffix(got, "…") || !strings.Contains(got, "<mark>Needle</mark>") {
		t.Fatalf("unexpected snippet %q", got)
	}
	if snippet("short", "zzz") != "short" {
		t.Fatal("non-matching short content should be returned as is")
	}
}
