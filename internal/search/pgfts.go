package search

import (
	"context"
	"strings"
	"time"

	"ticketdesk/threads/internal/store"
)

type commentSearcher interface {
	SearchComments(ctx context.Context, subjectID, query string, limit int) ([]store.Comment, error)
	ListAllComments(ctx context.Context, since time.Time) ([]store.Comment, error)
}

// PgFTS implements Searcher on the comment store's tsvector/ILIKE query.
type PgFTS struct {
	store   commentSearcher
	timeout time.Duration
}

func NewPgFTS(s commentSearcher) *PgFTS {
	return &PgFTS{store: s, timeout: 5 * time.Second}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	items, err := p.store.SearchComments(ctx, q.SubjectID, q.Text, limit+offset)
	if err != nil {
		return nil, 0, err
	}
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}

	results := make([]Result, 0, len(items)-offset)
	for _, item := range items[offset:] {
		results = append(results, Result{
			ID:         item.ID,
			SubjectID:  item.SubjectID,
			ParentID:   item.ParentID,
			AuthorName: item.AuthorName,
			Snippet:    snippet(item.Content, q.Text),
			CreatedAt:  item.CreatedAt.UTC(),
		})
	}
	return results, total, nil
}

// LoadAllRecords reads every comment updated since since for a reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context, since time.Time) ([]CommentRecord, error) {
	items, err := p.store.ListAllComments(ctx, since)
	if err != nil {
		return nil, err
	}
	records := make([]CommentRecord, 0, len(items))
	for _, item := range items {
		records = append(records, RecordFromComment(item))
	}
	return records, nil
}

const snippetRadius = 60

// snippet cuts content around the first case-insensitive match and marks it
// the way Meilisearch highlights do.
func snippet(content, query string) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	needle := []rune(strings.ToLower(strings.TrimSpace(query)))
	at := indexRunes(lower, needle)
	if at < 0 || len(needle) == 0 {
		if len(runes) > 2*snippetRadius {
			return string(runes[:2*snippetRadius]) + "…"
		}
		return content
	}

	start := max(at-snippetRadius, 0)
	end := min(at+len(needle)+snippetRadius, len(runes))
	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(string(runes[start:at]))
	b.WriteString("<mark>")
	b.WriteString(string(runes[at : at+len(needle)]))
	b.WriteString("</mark>")
	b.WriteString(string(runes[at+len(needle) : end]))
	if end < len(runes) {
		b.WriteString("…")
	}
	return b.String()
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
