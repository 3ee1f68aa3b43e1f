package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/store"
)

// memStore is an in-memory dataStore with the same ordering and cascade
// rules as the Postgres store.
type memStore struct {
	mu          sync.Mutex
	clock       time.Time
	users       map[string]store.User
	comments    map[string]store.Comment
	reactions   map[string]map[string]string
	attachments map[string]map[string]store.Attachment

	pingFn    func(context.Context) error
	getUserFn func(context.Context, string) (store.User, error)
}

func newMemStore() *memStore {
	return &memStore{
		clock:       time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		users:       map[string]store.User{},
		comments:    map[string]store.Comment{},
		reactions:   map[string]map[string]string{},
		attachments: map[string]map[string]store.Attachment{},
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) setRole(name, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, user := range m.users {
		if user.DisplayName == name {
			user.Role = role
			m.users[id] = user
		}
	}
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) EnsureUser(_ context.Context, id, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: id, DisplayName: name, Role: "commenter", CreatedAt: m.tick()}
	m.users[id] = user
	return user, nil
}

func (m *memStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) InsertComment(_ context.Context, item store.Comment) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.comments[item.ID]; exists {
		return store.Comment{}, store.ErrConflict
	}
	item.CreatedAt = m.tick()
	item.UpdatedAt = item.CreatedAt
	item.Revision = 1
	m.comments[item.ID] = item
	return item, nil
}

func (m *memStore) GetComment(_ context.Context, subjectID, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.comments[commentID]
	if !ok || item.SubjectID != subjectID {
		return store.Comment{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) UpdateContent(_ context.Context, subjectID, commentID, content string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.comments[commentID]
	if !ok || item.SubjectID != subjectID {
		return store.Comment{}, sql.ErrNoRows
	}
	item.Content = content
	item.Revision++
	item.UpdatedAt = m.tick()
	m.comments[commentID] = item
	return item, nil
}

func (m *memStore) BumpRevision(_ context.Context, commentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.comments[commentID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	item.Revision++
	m.comments[commentID] = item
	return item.Revision, nil
}

func (m *memStore) subtree(rootID string) []string {
	ids := []string{rootID}
	for i := 0; i < len(ids); i++ {
		var children []string
		for id, item := range m.comments {
			if item.ParentID == ids[i] {
				children = append(children, id)
			}
		}
		sort.Strings(children)
		ids = append(ids, children...)
	}
	return ids
}

func (m *memStore) DeleteComment(_ context.Context, subjectID, commentID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.comments[commentID]
	if !ok || item.SubjectID != subjectID {
		return nil, sql.ErrNoRows
	}
	removed := m.subtree(commentID)
	for _, id := range removed {
		delete(m.comments, id)
		delete(m.reactions, id)
		delete(m.attachments, id)
	}
	return removed, nil
}

func (m *memStore) ListRoots(_ context.Context, subjectID, cursor string, limit int) (store.RootPage, error) {
	after, err := store.DecodeCursor(cursor)
	if err != nil {
		return store.RootPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var roots []store.Comment
	for _, item := range m.comments {
		if item.SubjectID == subjectID && item.ParentID == "" {
			roots = append(roots, item)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return comment.Before(roots[i].CreatedAt, roots[i].ID, roots[j].CreatedAt, roots[j].ID)
	})
	total := len(roots)
	if !after.IsZero() {
		start := len(roots)
		for i, item := range roots {
			if comment.Before(after.CreatedAt, after.ID, item.CreatedAt, item.ID) {
				start = i
				break
			}
		}
		roots = roots[start:]
	}

	page := store.RootPage{Total: total}
	if len(roots) > limit {
		roots = roots[:limit]
		last := roots[len(roots)-1]
		page.NextCursor = store.EncodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	page.Roots = roots
	return page, nil
}

func (m *memStore) ListDescendants(_ context.Context, rootIDs []string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Comment{}
	for _, root := range rootIDs {
		for _, id := range m.subtree(root)[1:] {
			out = append(out, m.comments[id])
		}
	}
	return out, nil
}

func (m *memStore) SetReaction(_ context.Context, commentID, userName, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactions[commentID] == nil {
		m.reactions[commentID] = map[string]string{}
	}
	m.reactions[commentID][userName] = kind
	return nil
}

func (m *memStore) ClearReaction(_ context.Context, commentID, userName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reactions[commentID], userName)
	return nil
}

func (m *memStore) ListReactions(_ context.Context, commentIDs []string) ([]store.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Reaction{}
	for _, id := range commentIDs {
		users := make([]string, 0, len(m.reactions[id]))
		for user := range m.reactions[id] {
			users = append(users, user)
		}
		sort.Strings(users)
		for _, user := range users {
			out = append(out, store.Reaction{CommentID: id, UserName: user, Kind: m.reactions[id][user]})
		}
	}
	return out, nil
}

func (m *memStore) InsertAttachment(_ context.Context, item store.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachments[item.CommentID] == nil {
		m.attachments[item.CommentID] = map[string]store.Attachment{}
	}
	item.CreatedAt = m.tick()
	m.attachments[item.CommentID][item.Name] = item
	return nil
}

func (m *memStore) DeleteAttachment(_ context.Context, commentID, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.attachments[commentID][name]
	if !ok {
		return "", sql.ErrNoRows
	}
	delete(m.attachments[commentID], name)
	return item.ObjectKey, nil
}

func (m *memStore) ListAttachments(_ context.Context, commentIDs []string) ([]store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Attachment{}
	for _, id := range commentIDs {
		names := make([]string, 0, len(m.attachments[id]))
		for name := range m.attachments[id] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, m.attachments[id][name])
		}
	}
	return out, nil
}
