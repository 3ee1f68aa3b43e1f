package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser returns the user named name, creating it with the default role
// on first login.
func (s *PostgresStore) EnsureUser(ctx context.Context, id, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, created_at FROM users WHERE display_name = $1
	`, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, role, created_at
	`, id, name).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, created_at FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, subject_id, parent_id, author_id, author_name, content)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING revision, created_at, updated_at
	`, item.ID, item.SubjectID, item.ParentID, item.AuthorID, item.AuthorName, item.Content).
		Scan(&item.Revision, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Comment{}, fmt.Errorf("insert comment %s: %w", item.ID, ErrConflict)
		}
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

const commentColumns = `id, subject_id, COALESCE(parent_id, ''), author_id, author_name, content, revision, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	err := row.Scan(
		&item.ID,
		&item.SubjectID,
		&item.ParentID,
		&item.AuthorID,
		&item.AuthorName,
		&item.Content,
		&item.Revision,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetComment(ctx context.Context, subjectID, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE subject_id = $1 AND id = $2`, subjectID, commentID)
	item, err := scanComment(row)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// UpdateContent replaces the body and bumps the revision.
func (s *PostgresStore) UpdateContent(ctx context.Context, subjectID, commentID, content string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET content = $3, revision = revision + 1, updated_at = NOW()
		WHERE subject_id = $1 AND id = $2
		RETURNING `+commentColumns, subjectID, commentID, content)
	item, err := scanComment(row)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

// BumpRevision orders reaction and attachment changes on a comment.
func (s *PostgresStore) BumpRevision(ctx context.Context, commentID string) (int64, error) {
	var revision int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE comments SET revision = revision + 1 WHERE id = $1 RETURNING revision
	`, commentID).Scan(&revision)
	if err != nil {
		return 0, err
	}
	return revision, nil
}

// DeleteComment removes commentID and its replies and returns every removed
// id, root first.
func (s *PostgresStore) DeleteComment(ctx context.Context, subjectID, commentID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM comments WHERE subject_id = $1 AND id = $2
			UNION ALL
			SELECT c.id, st.depth + 1 FROM comments c JOIN subtree st ON c.parent_id = st.id
		)
		SELECT id FROM subtree ORDER BY depth ASC, id ASC
	`, subjectID, commentID)
	if err != nil {
		return nil, fmt.Errorf("collect comment subtree: %w", err)
	}
	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan comment subtree: %w", err)
		}
		removed = append(removed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment subtree: %w", err)
	}
	if len(removed) == 0 {
		return nil, sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE subject_id = $1 AND id = $2`, subjectID, commentID); err != nil {
		return nil, fmt.Errorf("delete comment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete comment: %w", err)
	}
	return removed, nil
}

// ListRoots returns one keyset page of root comments, newest first.
func (s *PostgresStore) ListRoots(ctx context.Context, subjectID, cursor string, limit int) (RootPage, error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return RootPage{}, err
	}
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	if after.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commentColumns+`
			FROM comments
			WHERE subject_id = $1 AND parent_id IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, subjectID, limit+1)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+commentColumns+`
			FROM comments
			WHERE subject_id = $1 AND parent_id IS NULL
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, subjectID, after.CreatedAt, after.ID, limit+1)
	}
	if err != nil {
		return RootPage{}, fmt.Errorf("list root comments: %w", err)
	}
	defer rows.Close()

	roots := make([]Comment, 0, limit)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return RootPage{}, fmt.Errorf("scan root comment: %w", err)
		}
		roots = append(roots, item)
	}
	if err := rows.Err(); err != nil {
		return RootPage{}, fmt.Errorf("iterate root comments: %w", err)
	}

	page := RootPage{Roots: roots}
	if len(roots) > limit {
		page.Roots = roots[:limit]
		last := page.Roots[limit-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int FROM comments WHERE subject_id = $1 AND parent_id IS NULL
	`, subjectID).Scan(&page.Total); err != nil {
		return RootPage{}, fmt.Errorf("count root comments: %w", err)
	}
	return page, nil
}

// ListDescendants returns every reply below rootIDs, at any depth.
func (s *PostgresStore) ListDescendants(ctx context.Context, rootIDs []string) ([]Comment, error) {
	if len(rootIDs) == 0 {
		return []Comment{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT `+commentColumns+` FROM comments WHERE parent_id = ANY($1)
			UNION ALL
			SELECT c.id, c.subject_id, COALESCE(c.parent_id, ''), c.author_id, c.author_name, c.content, c.revision, c.created_at, c.updated_at
			FROM comments c JOIN tree t ON c.parent_id = t.id
		)
		SELECT * FROM tree ORDER BY created_at DESC, id DESC
	`, rootIDs)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

// SetReaction records userName's single reaction on a comment, replacing any
// earlier kind.
func (s *PostgresStore) SetReaction(ctx context.Context, commentID, userName, kind string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_reactions (comment_id, user_name, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (comment_id, user_name)
		DO UPDATE SET kind = EXCLUDED.kind, created_at = NOW()
	`, commentID, userName, kind); err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearReaction(ctx context.Context, commentID, userName string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM comment_reactions WHERE comment_id = $1 AND user_name = $2
	`, commentID, userName); err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, commentIDs []string) ([]Reaction, error) {
	if len(commentIDs) == 0 {
		return []Reaction{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, user_name, kind
		FROM comment_reactions
		WHERE comment_id = ANY($1)
		ORDER BY comment_id ASC, user_name ASC
	`, commentIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.CommentID, &item.UserName, &item.Kind); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

// InsertAttachment adds or replaces an attachment with the same name.
func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_attachments (comment_id, name, object_key, media_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (comment_id, name)
		DO UPDATE SET object_key = EXCLUDED.object_key, media_type = EXCLUDED.media_type,
			size_bytes = EXCLUDED.size_bytes, created_at = NOW()
	`, item.CommentID, item.Name, item.ObjectKey, item.MediaType, item.SizeBytes); err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// DeleteAttachment removes one attachment and returns its object key.
func (s *PostgresStore) DeleteAttachment(ctx context.Context, commentID, name string) (string, error) {
	var objectKey string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM comment_attachments WHERE comment_id = $1 AND name = $2 RETURNING object_key
	`, commentID, name).Scan(&objectKey)
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, commentIDs []string) ([]Attachment, error) {
	if len(commentIDs) == 0 {
		return []Attachment{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT comment_id, name, object_key, media_type, size_bytes, created_at
		FROM comment_attachments
		WHERE comment_id = ANY($1)
		ORDER BY comment_id ASC, created_at ASC, name ASC
	`, commentIDs)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.CommentID, &item.Name, &item.ObjectKey, &item.MediaType, &item.SizeBytes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// SearchComments is the database fallback for comment search: a simple
// full-text match within one subject, newest first.
func (s *PostgresStore) SearchComments(ctx context.Context, subjectID, query string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE subject_id = $1
		  AND (to_tsvector('simple', content) @@ plainto_tsquery('simple', $2)
		       OR content ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, subjectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return items, nil
}

// ListAllComments returns every comment touched since since, for reindexing.
func (s *PostgresStore) ListAllComments(ctx context.Context, since time.Time) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments WHERE updated_at >= $1 ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list all comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}
