// Package remote is the request/response client for the comment authority.
// Commands only perform the HTTP side effect and hand back the authority's
// acknowledgment; nothing here touches a local comment tree.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
)

const defaultTimeout = 15 * time.Second

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu    sync.RWMutex
	token string
}

func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		logger:  opts.Logger,
		token:   opts.Token,
	}
}

// BaseURL is the authority root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// DeleteAck acknowledges a delete command.
type DeleteAck struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

// ReactionAck carries the authoritative reaction state after a change.
type ReactionAck struct {
	ID        string            `json:"id"`
	Reactions comment.Reactions `json:"reactions"`
}

// AttachmentAck carries the authoritative attachment list after a change.
type AttachmentAck struct {
	ID          string               `json:"id"`
	Attachments []comment.Attachment `json:"attachments"`
}

type SearchHit struct {
	CommentID string    `json:"commentId"`
	SubjectID string    `json:"subjectId"`
	ParentID  string    `json:"parentId,omitempty"`
	Author    string    `json:"author"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

type SearchResult struct {
	Results []SearchHit `json:"results"`
	Total   int         `json:"total"`
	Query   string      `json:"query"`
}

type Session struct {
	Token    string `json:"token"`
	UserName string `json:"userName"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// File is one upload for AttachFiles.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

func subjectPath(subjectID string, rest ...string) string {
	parts := []string{"api", "subjects", url.PathEscape(subjectID)}
	for _, part := range rest {
		parts = append(parts, url.PathEscape(part))
	}
	return "/" + strings.Join(parts, "/")
}

// FetchComments loads one page of root comments with their replies.
func (c *Client) FetchComments(ctx context.Context, subjectID, cursor string, limit int) (comment.Page, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page comment.Page
	err := c.do(ctx, http.MethodGet, subjectPath(subjectID, "comments"), query, nil, "", &page)
	if err != nil {
		return comment.Page{}, fmt.Errorf("fetch comments: %w", err)
	}
	if page.RootComments == nil {
		page.RootComments = []comment.Comment{}
	}
	return page, nil
}

func (c *Client) CreateComment(ctx context.Context, subjectID, content string) (comment.Comment, error) {
	var out comment.Comment
	if err := c.doJSON(ctx, http.MethodPost, subjectPath(subjectID, "comments"), map[string]string{"content": content}, &out); err != nil {
		return comment.Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return out, nil
}

func (c *Client) CreateReply(ctx context.Context, subjectID, parentID, content string) (comment.Comment, error) {
	var out comment.Comment
	if err := c.doJSON(ctx, http.MethodPost, subjectPath(subjectID, "comments", parentID, "replies"), map[string]string{"content": content}, &out); err != nil {
		return comment.Comment{}, fmt.Errorf("create reply: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateComment(ctx context.Context, subjectID, commentID, content string) (comment.Comment, error) {
	var out comment.Comment
	if err := c.doJSON(ctx, http.MethodPut, subjectPath(subjectID, "comments", commentID), map[string]string{"content": content}, &out); err != nil {
		return comment.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteComment(ctx context.Context, subjectID, commentID string) (DeleteAck, error) {
	var out DeleteAck
	if err := c.doJSON(ctx, http.MethodDelete, subjectPath(subjectID, "comments", commentID), nil, &out); err != nil {
		return DeleteAck{}, fmt.Errorf("delete comment: %w", err)
	}
	return out, nil
}

func (c *Client) SetReaction(ctx context.Context, subjectID, commentID, kind string) (ReactionAck, error) {
	var out ReactionAck
	if err := c.doJSON(ctx, http.MethodPut, subjectPath(subjectID, "comments", commentID, "reaction"), map[string]string{"kind": kind}, &out); err != nil {
		return ReactionAck{}, fmt.Errorf("set reaction: %w", err)
	}
	return out, nil
}

func (c *Client) ClearReaction(ctx context.Context, subjectID, commentID string) (ReactionAck, error) {
	var out ReactionAck
	if err := c.doJSON(ctx, http.MethodDelete, subjectPath(subjectID, "comments", commentID, "reaction"), nil, &out); err != nil {
		return ReactionAck{}, fmt.Errorf("clear reaction: %w", err)
	}
	return out, nil
}

// AttachFiles uploads files as one multipart request under the "files" field.
func (c *Client) AttachFiles(ctx context.Context, subjectID, commentID string, files []File) (AttachmentAck, error) {
	if len(files) == 0 {
		return AttachmentAck{}, fmt.Errorf("attach files: %w", ErrValidation)
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, file.Name))
		contentType := file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		if err != nil {
			return AttachmentAck{}, fmt.Errorf("attach files: %w", err)
		}
		if _, err := io.Copy(part, file.Body); err != nil {
			return AttachmentAck{}, fmt.Errorf("attach files: read %s: %w", file.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return AttachmentAck{}, fmt.Errorf("attach files: %w", err)
	}

	var out AttachmentAck
	err := c.do(ctx, http.MethodPost, subjectPath(subjectID, "comments", commentID, "attachments"), nil, &buf, writer.FormDataContentType(), &out)
	if err != nil {
		return AttachmentAck{}, fmt.Errorf("attach files: %w", err)
	}
	return out, nil
}

func (c *Client) DetachFile(ctx context.Context, subjectID, commentID, name string) (AttachmentAck, error) {
	var out AttachmentAck
	if err := c.doJSON(ctx, http.MethodDelete, subjectPath(subjectID, "comments", commentID, "attachments", name), nil, &out); err != nil {
		return AttachmentAck{}, fmt.Errorf("detach file: %w", err)
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, subjectID, query string) (SearchResult, error) {
	var out SearchResult
	err := c.do(ctx, http.MethodGet, subjectPath(subjectID, "comments", "search"), url.Values{"q": {query}}, nil, "", &out)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search comments: %w", err)
	}
	return out, nil
}

// Login opens a session and keeps its token for later calls.
func (c *Client) Login(ctx context.Context, name string) (Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/login", map[string]string{"name": name}, &out); err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	c.SetToken(out.Token)
	return out, nil
}

// Logout revokes the current token and forgets it.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodPost, "/api/session/logout", nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	c.SetToken("")
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, "", &out); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("health: %w", ErrUnavailable)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if body == nil {
		return c.do(ctx, method, path, nil, nil, "", out)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return c.do(ctx, method, path, nil, bytes.NewReader(encoded), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("remote: request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Code == "" {
		envelope.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		envelope.Error = strings.TrimSpace(string(raw))
	}
	return &Error{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Error}
}
