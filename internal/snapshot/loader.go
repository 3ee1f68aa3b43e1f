// Package snapshot loads pages of root comments from the authority and turns
// them into the same events the push channel delivers, so a single merge path
// builds every tree.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/event"
	"ticketdesk/threads/internal/thread"
)

// ErrFetch marks every failure to load a page. Callers decide whether to
// retry; the loader never does.
var ErrFetch = errors.New("snapshot fetch failed")

const DefaultPageSize = 20

// Fetcher is the request/response side of the authority.
type Fetcher interface {
	FetchComments(ctx context.Context, subjectID, cursor string, limit int) (comment.Page, error)
}

type Mode int

const (
	// Append merges creates and replies only.
	Append Mode = iota
	// Repair also replays content, reactions and attachments so comments
	// already in the tree pick up changes missed while disconnected. The
	// replays carry the comment's revision, so fields a newer push already
	// changed are left alone.
	Repair
)

type Loader struct {
	fetcher  Fetcher
	pageSize int
	logger   zerolog.Logger
}

func NewLoader(fetcher Fetcher, pageSize int, logger zerolog.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Loader{fetcher: fetcher, pageSize: pageSize, logger: logger}
}

// Load fetches one page starting at cursor ("" for the first page).
func (l *Loader) Load(ctx context.Context, subjectID, cursor string) (comment.Page, error) {
	page, err := l.fetcher.FetchComments(ctx, subjectID, cursor, l.pageSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return comment.Page{}, fmt.Errorf("load comments for %s: %w", subjectID, ctxErr)
		}
		return comment.Page{}, fmt.Errorf("load comments for %s: %w: %w", subjectID, ErrFetch, err)
	}
	l.logger.Debug().
		Str("subject", subjectID).
		Int("roots", len(page.RootComments)).
		Int("total", page.TotalCount).
		Bool("has_more", page.HasMore()).
		Msg("snapshot: page loaded")
	return page, nil
}

// Refetch reloads the first pages of a subject, as many as were loaded
// before, stopping early when the authority has no more.
func (l *Loader) Refetch(ctx context.Context, subjectID string, pages int) ([]comment.Page, error) {
	if pages < 1 {
		pages = 1
	}
	out := make([]comment.Page, 0, pages)
	cursor := ""
	for i := 0; i < pages; i++ {
		page, err := l.Load(ctx, subjectID, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page)
		if !page.HasMore() {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// Summary counts merge outcomes for one page.
type Summary struct {
	Applied    int
	Duplicates int
	Orphaned   int
	Rejected   int
}

func (s *Summary) add(res thread.Result) {
	switch res.Outcome {
	case thread.Applied:
		s.Applied++
	case thread.Duplicate:
		s.Duplicates++
	case thread.Orphaned:
		s.Orphaned++
	case thread.Rejected:
		s.Rejected++
	}
}

// Events flattens page into snapshot-origin events: a create per root, then a
// reply per nested comment, parents before children.
func Events(subjectID string, page comment.Page, mode Mode, receivedAt time.Time) []event.Event {
	var out []event.Event
	var walk func(c comment.Comment, parentID string)
	walk = func(c comment.Comment, parentID string) {
		kind := event.KindCreate
		if parentID != "" {
			kind = event.KindReply
		}
		flat := c
		flat.ParentID = parentID
		flat.Replies = nil
		if flat.Reactions.Counts == nil {
			flat.Reactions.Counts = map[string]int{}
		}
		if flat.Attachments == nil {
			flat.Attachments = []comment.Attachment{}
		}
		base := event.Event{
			Origin:      event.OriginSnapshot,
			SubjectID:   subjectID,
			EntityID:    c.ID,
			ParentID:    parentID,
			Revision:    c.Revision,
			Comment:     flat,
			Reactions:   flat.Reactions,
			Attachments: flat.Attachments,
			ReceivedAt:  receivedAt,
		}
		insert := base
		insert.Kind = kind
		out = append(out, insert)

		if mode == Repair {
			for _, k := range []event.Kind{event.KindUpdate, event.KindReact, event.KindAttach} {
				refresh := base
				refresh.Kind = k
				out = append(out, refresh)
			}
		}
		for _, reply := range c.Replies {
			walk(reply, c.ID)
		}
	}
	for _, root := range page.RootComments {
		walk(root, "")
	}
	return out
}

// Merge applies page to st and records its cursor and total.
func Merge(st *thread.State, subjectID string, page comment.Page, mode Mode, receivedAt time.Time) Summary {
	var summary Summary
	for _, ev := range Events(subjectID, page, mode, receivedAt) {
		summary.add(st.Apply(ev))
	}
	st.RecordPage(page)
	return summary
}
