package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ticketdesk/threads/internal/comment"
)

var kindAliases = map[string]Kind{
	"comment_created":     KindCreate,
	"new_comment":         KindCreate,
	"comment.created":     KindCreate,
	"reply_created":       KindReply,
	"new_reply":           KindReply,
	"comment.replied":     KindReply,
	"comment_updated":     KindUpdate,
	"comment_edited":      KindUpdate,
	"comment.updated":     KindUpdate,
	"comment_deleted":     KindDelete,
	"comment.deleted":     KindDelete,
	"reaction_changed":    KindReact,
	"reactions_updated":   KindReact,
	"comment.reacted":     KindReact,
	"attachment_added":    KindAttach,
	"attachments_added":   KindAttach,
	"attachment_removed":  KindDetach,
	"attachments_removed": KindDetach,

	"connection_established": KindConnectionMeta,
	"connected":              KindConnectionMeta,
	"error":                  KindProtocolError,
}

// keepalive types are part of the protocol but carry nothing to merge.
var keepaliveTypes = map[string]struct{}{
	"heartbeat": {},
	"ping":      {},
	"pong":      {},
	"keepalive": {},
	"ack":       {},
}

type envelope struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	EventID      looseString     `json:"eventId"`
	EventIDAlt   looseString     `json:"event_id"`
	SubjectID    looseString     `json:"subjectId"`
	SubjectIDAlt looseString     `json:"subject_id"`
	Revision     looseString     `json:"revision"`
	CommentID    looseString     `json:"commentId"`
	CommentIDAlt looseString     `json:"comment_id"`
	ParentID     looseString     `json:"parentId"`
	ParentIDAlt  looseString     `json:"parent_id"`
	Comment      json.RawMessage `json:"comment"`
	Data         json.RawMessage `json:"data"`
	Reactions    json.RawMessage `json:"reactions"`
	Attachments  json.RawMessage `json:"attachments"`
	ConnectionID looseString     `json:"connectionId"`
	Message      looseString     `json:"message"`
}

// wireComment keeps every optional field raw so one oddly typed field falls
// back to its default instead of voiding the body.
type wireComment struct {
	ID          looseString     `json:"id"`
	ParentID    looseString     `json:"parentId"`
	ParentIDAlt looseString     `json:"parent_id"`
	Author      json.RawMessage `json:"author"`
	AuthorName  looseString     `json:"authorName"`
	Content     json.RawMessage `json:"content"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   json.RawMessage `json:"createdAt"`
	UpdatedAt   json.RawMessage `json:"updatedAt"`
	Revision    looseString     `json:"revision"`
	Reactions   json.RawMessage `json:"reactions"`
	Attachments json.RawMessage `json:"attachments"`
}

// looseString accepts a JSON string or number. Anything else decodes to "".
type looseString string

func (s *looseString) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		*s = looseString(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		*s = looseString(number.String())
		return nil
	}
	*s = ""
	return nil
}

// wireAuthor covers authors sent as objects instead of plain names.
type wireAuthor struct {
	Name        looseString `json:"name"`
	DisplayName looseString `json:"displayName"`
	Username    looseString `json:"username"`
}

type wireReactions struct {
	Counts map[string]int    `json:"counts"`
	Viewer *string           `json:"viewer"`
	ByUser map[string]string `json:"byUser"`
}

type wireAttachment struct {
	Name        string `json:"name"`
	FileName    string `json:"fileName"`
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
	MediaType   string `json:"mediaType"`
	ContentType string `json:"contentType"`
	IsImage     *bool  `json:"isImage"`
}

// Normalizer turns raw push payloads into Events. It is scoped to one viewer
// so per-user reaction maps can be reduced to the viewer's own state.
type Normalizer struct {
	viewer string
	now    func() time.Time
	logger zerolog.Logger
}

func NewNormalizer(viewer string, logger zerolog.Logger) *Normalizer {
	return &Normalizer{viewer: viewer, now: time.Now, logger: logger}
}

// WithClock replaces the receipt clock used for defaulted timestamps.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize returns the canonical event for raw, or nil when the payload is
// not actionable (keepalives). It never fails: payloads it cannot make sense
// of come back as KindProtocolError events after being logged.
func (n *Normalizer) Normalize(raw []byte) *Event {
	received := n.now()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return n.protocolError("", "invalid json: "+err.Error(), received)
	}

	typeName := strings.ToLower(strings.TrimSpace(firstNonBlank(env.Type, env.Event)))
	if _, ok := keepaliveTypes[typeName]; ok {
		return nil
	}
	kind, ok := kindAliases[typeName]
	if !ok {
		return n.protocolError(typeName, "unrecognized event type", received)
	}
	if kind == KindProtocolError {
		return n.protocolError(typeName, firstNonBlank(string(env.Message), "remote error"), received)
	}

	ev := &Event{
		Kind:       kind,
		Origin:     OriginPush,
		ID:         firstNonBlank(string(env.EventID), string(env.EventIDAlt)),
		SubjectID:  firstNonBlank(string(env.SubjectID), string(env.SubjectIDAlt)),
		Revision:   parseRevision(env.Revision),
		ReceivedAt: received,
	}

	if kind == KindConnectionMeta {
		ev.ConnectionID = string(env.ConnectionID)
		return ev
	}

	body := n.decodeBody(typeName, env)
	ev.EntityID = strings.TrimSpace(firstNonBlank(string(env.CommentID), string(env.CommentIDAlt), string(body.ID)))
	ev.ParentID = strings.TrimSpace(firstNonBlank(string(env.ParentID), string(env.ParentIDAlt), string(body.ParentID), string(body.ParentIDAlt)))
	if ev.Revision == 0 {
		ev.Revision = parseRevision(body.Revision)
	}
	if ev.EntityID == "" {
		return n.protocolError(typeName, "missing comment id", received)
	}

	// The parent id decides root versus reply, whatever the type claimed.
	switch {
	case kind == KindCreate && ev.ParentID != "":
		ev.Kind = KindReply
	case kind == KindReply && ev.ParentID == "":
		ev.Kind = KindCreate
	}

	ev.Comment = comment.Comment{
		ID:          ev.EntityID,
		ParentID:    ev.ParentID,
		Author:      firstNonBlank(decodeAuthor(body.Author), string(body.AuthorName)),
		Content:     firstText(body.Content, body.Body),
		Revision:    ev.Revision,
		CreatedAt:   parseTime(body.CreatedAt, received),
		Reactions:   comment.Reactions{Counts: map[string]int{}},
		Attachments: []comment.Attachment{},
		Replies:     []comment.Comment{},
	}
	ev.Comment.UpdatedAt = parseTime(body.UpdatedAt, ev.Comment.CreatedAt)

	reactionsRaw := env.Reactions
	if len(reactionsRaw) == 0 {
		reactionsRaw = body.Reactions
	}
	ev.Reactions = n.decodeReactions(reactionsRaw)
	ev.Comment.Reactions = ev.Reactions.Clone()

	attachmentsRaw := env.Attachments
	if len(attachmentsRaw) == 0 {
		attachmentsRaw = body.Attachments
	}
	ev.Attachments = n.decodeAttachments(attachmentsRaw)
	ev.Comment.Attachments = comment.CloneAttachments(ev.Attachments)

	return ev
}

func (n *Normalizer) decodeBody(typeName string, env envelope) wireComment {
	var body wireComment
	raw := env.Comment
	if len(raw) == 0 || string(raw) == "null" {
		raw = env.Data
	}
	if len(raw) == 0 || string(raw) == "null" {
		return body
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		n.logger.Debug().Str("type", typeName).Err(err).Msg("event: comment body unreadable, using defaults")
		return wireComment{}
	}
	return body
}

func (n *Normalizer) decodeReactions(raw json.RawMessage) comment.Reactions {
	out := comment.Reactions{Counts: map[string]int{}}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	var wire wireReactions
	if err := json.Unmarshal(raw, &wire); err != nil {
		n.logger.Debug().Err(err).Msg("event: reactions unreadable, using zero counts")
		return out
	}
	for kind, count := range wire.Counts {
		if count > 0 {
			out.Counts[kind] = count
		}
	}
	switch {
	case wire.ByUser != nil:
		out.Viewer = wire.ByUser[n.viewer]
	case wire.Viewer != nil:
		out.Viewer = *wire.Viewer
	}
	return out
}

func (n *Normalizer) decodeAttachments(raw json.RawMessage) []comment.Attachment {
	out := []comment.Attachment{}
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		n.logger.Debug().Err(err).Msg("event: attachments unreadable, using empty list")
		return out
	}
	wire := make([]wireAttachment, 0, len(items))
	for _, item := range items {
		var decoded wireAttachment
		if err := json.Unmarshal(item, &decoded); err != nil {
			n.logger.Debug().Err(err).Msg("event: skipping unreadable attachment")
			continue
		}
		wire = append(wire, decoded)
	}
	seen := make(map[string]struct{}, len(wire))
	for _, item := range wire {
		name := firstNonBlank(item.Name, item.FileName)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		mediaType := firstNonBlank(item.MediaType, item.ContentType)
		isImage := comment.IsImageType(mediaType)
		if item.IsImage != nil {
			isImage = *item.IsImage
		}
		out = append(out, comment.Attachment{
			Name:      name,
			URL:       firstNonBlank(item.URL, item.DownloadURL),
			MediaType: mediaType,
			IsImage:   isImage,
		})
	}
	return out
}

func (n *Normalizer) protocolError(typeName, reason string, received time.Time) *Event {
	n.logger.Warn().Str("type", typeName).Str("reason", reason).Msg("event: discarding unrecognized payload")
	return &Event{Kind: KindProtocolError, Reason: reason, ReceivedAt: received}
}

func parseRevision(value looseString) int64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

// parseTime accepts RFC 3339 strings or unix milliseconds and falls back to
// the given default for anything else.
func parseTime(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return fallback
		}
		if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return parsed.UTC()
		}
		return fallback
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return fallback
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// firstText returns the first value that decodes as a JSON string. A
// present empty string wins over later values.
func firstText(values ...json.RawMessage) string {
	for _, raw := range values {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return text
		}
	}
	return ""
}

// decodeAuthor reads an author given as a name or as an object carrying one.
func decodeAuthor(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var author wireAuthor
	if err := json.Unmarshal(raw, &author); err != nil {
		return ""
	}
	return firstNonBlank(string(author.Name), string(author.DisplayName), string(author.Username))
}
