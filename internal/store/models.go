package store

import (
	"errors"
	"time"
)

var (
	// ErrConflict is returned when an insert collides with an existing id.
	ErrConflict = errors.New("store: conflict")
	// ErrInvalidCursor is returned for cursors this store did not issue.
	ErrInvalidCursor = errors.New("store: invalid cursor")
)

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

// Comment is one stored row. Replies are stored flat and linked by ParentID.
type Comment struct {
	ID         string
	SubjectID  string
	ParentID   string
	AuthorID   string
	AuthorName string
	Content    string
	Revision   int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Reaction struct {
	CommentID string
	UserName  string
	Kind      string
}

type Attachment struct {
	CommentID string
	Name      string
	ObjectKey string
	MediaType string
	SizeBytes int64
	CreatedAt time.Time
}

// RootPage is one keyset page of root comments for a subject.
type RootPage struct {
	Roots      []Comment
	NextCursor string
	Total      int
}
