package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/auth"
	"ticketdesk/threads/internal/broker"
	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/rbac"
	"ticketdesk/threads/internal/search"
	"ticketdesk/threads/internal/session"
	"ticketdesk/threads/internal/store"
	"ticketdesk/threads/internal/util"
)

const (
	maxContentRunes  = 8000
	maxReactionRunes = 32
	maxNameRunes     = 64
	maxSubjectRunes  = 128
	defaultPageSize  = 20
	maxPageSize      = 100
)

var allowedReactions = map[string]struct{}{
	"like":        {},
	"heart":       {},
	"laugh":       {},
	"hooray":      {},
	"confused":    {},
	"rocket":      {},
	"eyes":        {},
	"thumbs_down": {},
}

type Session struct {
	Token     string
	TokenID   string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

func (s Session) can(action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(s.Role), action)
}

type dataStore interface {
	Ping(context.Context) error
	EnsureUser(context.Context, string, string) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	GetComment(context.Context, string, string) (store.Comment, error)
	UpdateContent(context.Context, string, string, string) (store.Comment, error)
	BumpRevision(context.Context, string) (int64, error)
	DeleteComment(context.Context, string, string) ([]string, error)
	ListRoots(context.Context, string, string, int) (store.RootPage, error)
	ListDescendants(context.Context, []string) ([]store.Comment, error)
	SetReaction(context.Context, string, string, string) error
	ClearReaction(context.Context, string, string) error
	ListReactions(context.Context, []string) ([]store.Reaction, error)
	InsertAttachment(context.Context, store.Attachment) error
	DeleteAttachment(context.Context, string, string) (string, error)
	ListAttachments(context.Context, []string) ([]store.Attachment, error)
}

type streamBroker interface {
	Publish(ctx context.Context, subjectID string, payload []byte) error
	Subscribe(ctx context.Context, subjectID string) (broker.Subscription, error)
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexComment(record search.CommentRecord)
	DeleteComments(ids []string)
}

type objectStore interface {
	Put(ctx context.Context, subjectID, commentID, name, mediaType string, body io.Reader, size int64) (string, error)
	Remove(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key, downloadName string) (string, error)
}

type revocationList interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Deps wires the service. Search and Attachments are optional; leave them
// nil (not a typed nil pointer) when the backend is not configured.
// Revocations defaults to an in-process list.
type Deps struct {
	Store          dataStore
	Broker         streamBroker
	Search         searchIndex
	Attachments    objectStore
	Revocations    revocationList
	Issuer         *auth.Issuer
	Logger         zerolog.Logger
	MaxUploadBytes int64
	Now            func() time.Time
}

type Service struct {
	store          dataStore
	broker         streamBroker
	search         searchIndex
	objects        objectStore
	revoked        revocationList
	issuer         *auth.Issuer
	logger         zerolog.Logger
	maxUploadBytes int64
	now            func() time.Time
}

func NewService(deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	var revoked revocationList = session.NewMemoryStore(0)
	if deps.Revocations != nil {
		revoked = deps.Revocations
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Service{
		store:          deps.Store,
		broker:         deps.Broker,
		search:         deps.Search,
		objects:        deps.Attachments,
		revoked:        revoked,
		issuer:         deps.Issuer,
		logger:         deps.Logger,
		maxUploadBytes: maxUpload,
		now:            now,
	}
}

// DeleteAck acknowledges a delete command.
type DeleteAck struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

// ReactionAck carries the requester's view of a comment's reactions.
type ReactionAck struct {
	ID        string            `json:"id"`
	Reactions comment.Reactions `json:"reactions"`
}

type AttachmentAck struct {
	ID          string               `json:"id"`
	Attachments []comment.Attachment `json:"attachments"`
}

// Upload is one file received for AttachFiles.
type Upload struct {
	Name      string
	MediaType string
	Size      int64
	Body      io.Reader
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBroker(ctx context.Context) error {
	if s.broker == nil {
		return errors.New("broker not configured")
	}
	return s.broker.Ping(ctx)
}

// Login opens a session for name, creating the user on first sight.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameRunes {
		return Session{}, validationError("name must be 1-64 characters", map[string]any{"field": "name"})
	}
	user, err := s.store.EnsureUser(ctx, util.NewID("usr"), name)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}
	expires := s.now().Add(s.issuerTTL())
	jti := util.NewID("")
	token, err := s.issuer.Issue(auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expires.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{Token: token, TokenID: jti, UserID: user.ID, UserName: user.DisplayName, Role: user.Role, ExpiresAt: expires}, nil
}

func (s *Service) issuerTTL() time.Duration {
	if ttl := s.issuer.TTL(); ttl > 0 {
		return ttl
	}
	return 12 * time.Hour
}

// SessionFromToken verifies token and reloads the user so role changes apply
// to live tokens.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load session user: %w", err)
	}
	return Session{
		Token:     token,
		TokenID:   claims.JTI,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// Logout revokes the session's token for the rest of its lifetime.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.TokenID == "" {
		return nil
	}
	if err := s.revoked.Revoke(ctx, session.TokenID, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func validateSubject(subjectID string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || utf8.RuneCountInString(subjectID) > maxSubjectRunes {
		return validationError("invalid subject id", map[string]any{"field": "subjectId"})
	}
	return nil
}

func validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", validationError("content is required", map[string]any{"field": "content"})
	}
	if n := utf8.RuneCountInString(trimmed); n > maxContentRunes {
		return "", validationError("content is too long", map[string]any{"field": "content", "max": maxContentRunes, "length": n})
	}
	return trimmed, nil
}

func normalizeReaction(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || utf8.RuneCountInString(kind) > maxReactionRunes {
		return "", validationError("reaction kind must be 1-32 characters", map[string]any{"field": "kind"})
	}
	if _, ok := allowedReactions[kind]; !ok {
		allowed := make([]string, 0, len(allowedReactions))
		for k := range allowedReactions {
			allowed = append(allowed, k)
		}
		sort.Strings(allowed)
		return "", validationError("unsupported reaction kind", map[string]any{"field": "kind", "allowed": allowed})
	}
	return kind, nil
}

// loadComment fetches a comment of subjectID, mapping a miss to 404.
func (s *Service) loadComment(ctx context.Context, subjectID, commentID string) (store.Comment, error) {
	item, err := s.store.GetComment(ctx, subjectID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, notFound("comment")
		}
		return store.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	return item, nil
}

// authorize allows the author with ownAction and everyone else with
// rbac.ActionModerate.
func authorize(session Session, item store.Comment, ownAction rbac.Action) error {
	if item.AuthorID == session.UserID {
		if !session.can(ownAction) {
			return forbidden()
		}
		return nil
	}
	if !session.can(rbac.ActionModerate) {
		return forbidden()
	}
	return nil
}

// ListComments returns one page of root comments with their replies
// materialized newest-first, reactions reduced to session's own.
func (s *Service) ListComments(ctx context.Context, session Session, subjectID, cursor string, limit int) (comment.Page, error) {
	if !session.can(rbac.ActionRead) {
		return comment.Page{}, forbidden()
	}
	if err := validateSubject(subjectID); err != nil {
		return comment.Page{}, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	page, err := s.store.ListRoots(ctx, subjectID, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return comment.Page{}, domainError(http.StatusBadRequest, "INVALID_CURSOR", "Invalid cursor", nil)
		}
		return comment.Page{}, fmt.Errorf("list roots: %w", err)
	}
	rootIDs := make([]string, 0, len(page.Roots))
	for _, root := range page.Roots {
		rootIDs = append(rootIDs, root.ID)
	}
	replies, err := s.store.ListDescendants(ctx, rootIDs)
	if err != nil {
		return comment.Page{}, fmt.Errorf("list replies: %w", err)
	}

	all := append(append([]store.Comment{}, page.Roots...), replies...)
	decorated, err := s.decorate(ctx, all, session.UserName)
	if err != nil {
		return comment.Page{}, err
	}

	children := map[string][]comment.Comment{}
	for _, reply := range replies {
		children[reply.ParentID] = append(children[reply.ParentID], decorated[reply.ID])
	}
	var build func(c comment.Comment) comment.Comment
	build = func(c comment.Comment) comment.Comment {
		kids := children[c.ID]
		sort.SliceStable(kids, func(i, j int) bool {
			return comment.Before(kids[i].CreatedAt, kids[i].ID, kids[j].CreatedAt, kids[j].ID)
		})
		c.Replies = make([]comment.Comment, 0, len(kids))
		for _, kid := range kids {
			c.Replies = append(c.Replies, build(kid))
		}
		return c
	}

	roots := make([]comment.Comment, 0, len(page.Roots))
	for _, root := range page.Roots {
		roots = append(roots, build(decorated[root.ID]))
	}
	return comment.Page{RootComments: roots, NextCursor: page.NextCursor, TotalCount: page.Total}, nil
}

// decorate converts rows to wire comments with reactions and attachments.
func (s *Service) decorate(ctx context.Context, items []store.Comment, viewer string) (map[string]comment.Comment, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	reactions, err := s.store.ListReactions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	attachments, err := s.store.ListAttachments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	reactionsByComment := map[string][]store.Reaction{}
	for _, r := range reactions {
		reactionsByComment[r.CommentID] = append(reactionsByComment[r.CommentID], r)
	}
	attachmentsByComment := map[string][]store.Attachment{}
	for _, a := range attachments {
		attachmentsByComment[a.CommentID] = append(attachmentsByComment[a.CommentID], a)
	}

	out := make(map[string]comment.Comment, len(items))
	for _, item := range items {
		c := toComment(item)
		c.Reactions = viewerReactions(reactionsByComment[item.ID], viewer)
		c.Attachments = s.wireAttachments(ctx, item.SubjectID, attachmentsByComment[item.ID])
		out[item.ID] = c
	}
	return out, nil
}

func toComment(item store.Comment) comment.Comment {
	return comment.Comment{
		ID:          item.ID,
		ParentID:    item.ParentID,
		Author:      item.AuthorName,
		Content:     item.Content,
		Revision:    item.Revision,
		CreatedAt:   item.CreatedAt.UTC(),
		UpdatedAt:   item.UpdatedAt.UTC(),
		Reactions:   comment.Reactions{Counts: map[string]int{}},
		Attachments: []comment.Attachment{},
		Replies:     []comment.Comment{},
	}
}

func viewerReactions(items []store.Reaction, viewer string) comment.Reactions {
	out := comment.Reactions{Counts: map[string]int{}}
	for _, r := range items {
		out.Counts[r.Kind]++
		if r.UserName == viewer {
			out.Viewer = r.Kind
		}
	}
	return out
}

func broadcastReactions(items []store.Reaction) *pushReactions {
	out := &pushReactions{Counts: map[string]int{}, ByUser: map[string]string{}}
	for _, r := range items {
		out.Counts[r.Kind]++
		out.ByUser[r.UserName] = r.Kind
	}
	return out
}

func (s *Service) wireAttachments(ctx context.Context, subjectID string, items []store.Attachment) []comment.Attachment {
	out := make([]comment.Attachment, 0, len(items))
	for _, item := range items {
		out = append(out, comment.Attachment{
			Name:      item.Name,
			URL:       s.attachmentURL(ctx, subjectID, item),
			MediaType: item.MediaType,
			IsImage:   comment.IsImageType(item.MediaType),
		})
	}
	return out
}

// attachmentURL prefers a presigned object URL and falls back to the
// authority's own download route.
func (s *Service) attachmentURL(ctx context.Context, subjectID string, item store.Attachment) string {
	if s.objects != nil && item.ObjectKey != "" {
		signed, err := s.objects.PresignedURL(ctx, item.ObjectKey, item.Name)
		if err == nil {
			return signed
		}
		s.logger.Warn().Err(err).Str("comment", item.CommentID).Msg("app: presign attachment")
	}
	return "/api/subjects/" + url.PathEscape(subjectID) + "/comments/" + url.PathEscape(item.CommentID) + "/attachments/" + url.PathEscape(item.Name)
}

func (s *Service) CreateComment(ctx context.Context, session Session, subjectID, content string) (comment.Comment, error) {
	return s.insert(ctx, session, subjectID, "", content)
}

func (s *Service) CreateReply(ctx context.Context, session Session, subjectID, parentID, content string) (comment.Comment, error) {
	if strings.TrimSpace(parentID) == "" {
		return comment.Comment{}, validationError("parent id is required", map[string]any{"field": "parentId"})
	}
	return s.insert(ctx, session, subjectID, parentID, content)
}

func (s *Service) insert(ctx context.Context, session Session, subjectID, parentID, content string) (comment.Comment, error) {
	if !session.can(rbac.ActionComment) {
		return comment.Comment{}, forbidden()
	}
	if err := validateSubject(subjectID); err != nil {
		return comment.Comment{}, err
	}
	body, err := validateContent(content)
	if err != nil {
		return comment.Comment{}, err
	}
	if parentID != "" {
		if _, err := s.loadComment(ctx, subjectID, parentID); err != nil {
			return comment.Comment{}, err
		}
	}

	item, err := s.store.InsertComment(ctx, store.Comment{
		ID:         util.SortableID("cmt"),
		SubjectID:  subjectID,
		ParentID:   parentID,
		AuthorID:   session.UserID,
		AuthorName: session.UserName,
		Content:    body,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return comment.Comment{}, domainError(http.StatusConflict, "CONFLICT", "Comment already exists", nil)
		}
		return comment.Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	out := toComment(item)
	msgType := msgCommentCreated
	if parentID != "" {
		msgType = msgReplyCreated
	}
	s.publish(ctx, pushMessage{
		Type:      msgType,
		SubjectID: subjectID,
		Revision:  item.Revision,
		CommentID: item.ID,
		ParentID:  parentID,
		Comment:   &out,
	})
	s.index(item)
	s.logger.Info().Str("subject", subjectID).Str("comment", item.ID).Str("parent", parentID).Msg("app: comment created")
	return out, nil
}

func (s *Service) UpdateComment(ctx context.Context, session Session, subjectID, commentID, content string) (comment.Comment, error) {
	body, err := validateContent(content)
	if err != nil {
		return comment.Comment{}, err
	}
	existing, err := s.loadComment(ctx, subjectID, commentID)
	if err != nil {
		return comment.Comment{}, err
	}
	if err := authorize(session, existing, rbac.ActionComment); err != nil {
		return comment.Comment{}, err
	}

	item, err := s.store.UpdateContent(ctx, subjectID, commentID, body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return comment.Comment{}, notFound("comment")
		}
		return comment.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	decorated, err := s.decorate(ctx, []store.Comment{item}, session.UserName)
	if err != nil {
		return comment.Comment{}, err
	}
	out := decorated[item.ID]

	s.publish(ctx, pushMessage{
		Type:      msgCommentUpdated,
		SubjectID: subjectID,
		Revision:  item.Revision,
		CommentID: item.ID,
		ParentID:  item.ParentID,
		Comment:   &out,
	})
	s.index(item)
	return out, nil
}

// DeleteComment removes a comment with its replies and their stored files.
func (s *Service) DeleteComment(ctx context.Context, session Session, subjectID, commentID string) (DeleteAck, error) {
	existing, err := s.loadComment(ctx, subjectID, commentID)
	if err != nil {
		return DeleteAck{}, err
	}
	if err := authorize(session, existing, rbac.ActionComment); err != nil {
		return DeleteAck{}, err
	}

	descendants, err := s.store.ListDescendants(ctx, []string{commentID})
	if err != nil {
		return DeleteAck{}, fmt.Errorf("list replies: %w", err)
	}
	ids := []string{commentID}
	for _, d := range descendants {
		ids = append(ids, d.ID)
	}
	files, err := s.store.ListAttachments(ctx, ids)
	if err != nil {
		return DeleteAck{}, fmt.Errorf("list attachments: %w", err)
	}

	removed, err := s.store.DeleteComment(ctx, subjectID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeleteAck{}, notFound("comment")
		}
		return DeleteAck{}, fmt.Errorf("delete comment: %w", err)
	}
	s.removeObjects(ctx, files)

	s.publish(ctx, pushMessage{
		Type:      msgCommentDeleted,
		SubjectID: subjectID,
		Revision:  existing.Revision + 1,
		CommentID: commentID,
		ParentID:  existing.ParentID,
	})
	if s.search != nil {
		s.search.DeleteComments(removed)
	}
	s.logger.Info().Str("subject", subjectID).Str("comment", commentID).Int("removed", len(removed)).Msg("app: comment deleted")
	return DeleteAck{OK: true, ID: commentID}, nil
}

func (s *Service) removeObjects(ctx context.Context, files []store.Attachment) {
	if s.objects == nil {
		return
	}
	for _, file := range files {
		if file.ObjectKey == "" {
			continue
		}
		if err := s.objects.Remove(ctx, file.ObjectKey); err != nil {
			s.logger.Warn().Err(err).Str("comment", file.CommentID).Str("key", file.ObjectKey).Msg("app: remove attachment object")
		}
	}
}

func (s *Service) SetReaction(ctx context.Context, session Session, subjectID, commentID, kind string) (ReactionAck, error) {
	if !session.can(rbac.ActionReact) {
		return ReactionAck{}, forbidden()
	}
	kind, err := normalizeReaction(kind)
	if err != nil {
		return ReactionAck{}, err
	}
	if _, err := s.loadComment(ctx, subjectID, commentID); err != nil {
		return ReactionAck{}, err
	}
	if err := s.store.SetReaction(ctx, commentID, session.UserName, kind); err != nil {
		return ReactionAck{}, err
	}
	return s.reactionsChanged(ctx, session, subjectID, commentID)
}

func (s *Service) ClearReaction(ctx context.Context, session Session, subjectID, commentID string) (ReactionAck, error) {
	if !session.can(rbac.ActionReact) {
		return ReactionAck{}, forbidden()
	}
	if _, err := s.loadComment(ctx, subjectID, commentID); err != nil {
		return ReactionAck{}, err
	}
	if err := s.store.ClearReaction(ctx, commentID, session.UserName); err != nil {
		return ReactionAck{}, err
	}
	return s.reactionsChanged(ctx, session, subjectID, commentID)
}

func (s *Service) reactionsChanged(ctx context.Context, session Session, subjectID, commentID string) (ReactionAck, error) {
	revision, err := s.store.BumpRevision(ctx, commentID)
	if err != nil {
		return ReactionAck{}, fmt.Errorf("bump revision: %w", err)
	}
	reactions, err := s.store.ListReactions(ctx, []string{commentID})
	if err != nil {
		return ReactionAck{}, fmt.Errorf("list reactions: %w", err)
	}
	s.publish(ctx, pushMessage{
		Type:      msgReactionChanged,
		SubjectID: subjectID,
		Revision:  revision,
		CommentID: commentID,
		Reactions: broadcastReactions(reactions),
	})
	return ReactionAck{ID: commentID, Reactions: viewerReactions(reactions, session.UserName)}, nil
}

// AttachFiles stores every upload and links it to the comment. A file with
// an existing name replaces the earlier one.
func (s *Service) AttachFiles(ctx context.Context, session Session, subjectID, commentID string, files []Upload) (AttachmentAck, error) {
	if s.objects == nil {
		return AttachmentAck{}, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	if len(files) == 0 {
		return AttachmentAck{}, validationError("at least one file is required", map[string]any{"field": "files"})
	}
	existing, err := s.loadComment(ctx, subjectID, commentID)
	if err != nil {
		return AttachmentAck{}, err
	}
	if err := authorize(session, existing, rbac.ActionComment); err != nil {
		return AttachmentAck{}, err
	}

	for _, file := range files {
		if file.Size > s.maxUploadBytes {
			return AttachmentAck{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File is too large", map[string]any{"name": file.Name, "max": s.maxUploadBytes})
		}
		key, err := s.objects.Put(ctx, subjectID, commentID, file.Name, file.MediaType, file.Body, file.Size)
		if err != nil {
			return AttachmentAck{}, fmt.Errorf("store attachment %s: %w", file.Name, err)
		}
		if err := s.store.InsertAttachment(ctx, store.Attachment{
			CommentID: commentID,
			Name:      file.Name,
			ObjectKey: key,
			MediaType: file.MediaType,
			SizeBytes: file.Size,
		}); err != nil {
			return AttachmentAck{}, err
		}
	}
	return s.attachmentsChanged(ctx, subjectID, commentID, msgAttachmentAdded)
}

func (s *Service) DetachFile(ctx context.Context, session Session, subjectID, commentID, name string) (AttachmentAck, error) {
	existing, err := s.loadComment(ctx, subjectID, commentID)
	if err != nil {
		return AttachmentAck{}, err
	}
	if err := authorize(session, existing, rbac.ActionComment); err != nil {
		return AttachmentAck{}, err
	}
	key, err := s.store.DeleteAttachment(ctx, commentID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AttachmentAck{}, notFound("attachment")
		}
		return AttachmentAck{}, fmt.Errorf("delete attachment: %w", err)
	}
	s.removeObjects(ctx, []store.Attachment{{CommentID: commentID, ObjectKey: key}})
	return s.attachmentsChanged(ctx, subjectID, commentID, msgAttachmentRemoved)
}

func (s *Service) attachmentsChanged(ctx context.Context, subjectID, commentID, msgType string) (AttachmentAck, error) {
	revision, err := s.store.BumpRevision(ctx, commentID)
	if err != nil {
		return AttachmentAck{}, fmt.Errorf("bump revision: %w", err)
	}
	items, err := s.store.ListAttachments(ctx, []string{commentID})
	if err != nil {
		return AttachmentAck{}, fmt.Errorf("list attachments: %w", err)
	}
	attachments := s.wireAttachments(ctx, subjectID, items)
	s.publish(ctx, pushMessage{
		Type:        msgType,
		SubjectID:   subjectID,
		Revision:    revision,
		CommentID:   commentID,
		Attachments: attachments,
	})
	return AttachmentAck{ID: commentID, Attachments: attachments}, nil
}

// AttachmentLocation resolves the object behind an attachment for the
// download route.
func (s *Service) AttachmentLocation(ctx context.Context, session Session, subjectID, commentID, name string) (string, error) {
	if !session.can(rbac.ActionRead) {
		return "", forbidden()
	}
	if s.objects == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
	}
	if _, err := s.loadComment(ctx, subjectID, commentID); err != nil {
		return "", err
	}
	items, err := s.store.ListAttachments(ctx, []string{commentID})
	if err != nil {
		return "", fmt.Errorf("list attachments: %w", err)
	}
	for _, item := range items {
		if item.Name == name {
			return s.objects.PresignedURL(ctx, item.ObjectKey, item.Name)
		}
	}
	return "", notFound("attachment")
}

func (s *Service) Search(ctx context.Context, session Session, subjectID, query string, limit int) (search.Response, error) {
	if !session.can(rbac.ActionRead) {
		return search.Response{}, forbidden()
	}
	if err := validateSubject(subjectID); err != nil {
		return search.Response{}, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return search.Response{}, validationError("query is required", map[string]any{"field": "q"})
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}, nil
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return s.search.Search(search.Query{Text: query, SubjectID: subjectID, Limit: limit}), nil
}

// Subscribe opens a broker subscription for the stream of subjectID.
func (s *Service) Subscribe(ctx context.Context, session Session, subjectID string) (broker.Subscription, error) {
	if !session.can(rbac.ActionRead) {
		return nil, forbidden()
	}
	if err := validateSubject(subjectID); err != nil {
		return nil, err
	}
	if s.broker == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "Push stream is not configured", nil)
	}
	return s.broker.Subscribe(ctx, subjectID)
}

func (s *Service) index(item store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.RecordFromComment(item))
}
