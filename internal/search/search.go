package search

import (
	"time"

	"ticketdesk/threads/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string    `json:"commentId"`
	SubjectID  string    `json:"subjectId"`
	ParentID   string    `json:"parentId,omitempty"`
	AuthorName string    `json:"author"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request. SubjectID scopes hits to one thread.
type Query struct {
	Text      string
	SubjectID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	Searcher
	IndexComments(records []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	SubjectID  string `json:"subjectId"`
	ParentID   string `json:"parentId"`
	AuthorName string `json:"authorName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}

func RecordFromComment(item store.Comment) CommentRecord {
	return CommentRecord{
		ID:         item.ID,
		SubjectID:  item.SubjectID,
		ParentID:   item.ParentID,
		AuthorName: item.AuthorName,
		Content:    item.Content,
		CreatedAt:  item.CreatedAt.UTC().Unix(),
	}
}

func fromUnix(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
