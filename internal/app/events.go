package app

import (
	"context"
	"encoding/json"
	"time"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/util"
)

const (
	msgConnectionEstablished = "connection_established"
	msgCommentCreated        = "comment_created"
	msgReplyCreated          = "reply_created"
	msgCommentUpdated        = "comment_updated"
	msgCommentDeleted        = "comment_deleted"
	msgReactionChanged       = "reaction_changed"
	msgAttachmentAdded       = "attachment_added"
	msgAttachmentRemoved     = "attachment_removed"
)

// pushReactions is the broadcast form of a comment's reactions. Every stream
// shares one payload, so the per-user map travels instead of a viewer field.
type pushReactions struct {
	Counts map[string]int    `json:"counts"`
	ByUser map[string]string `json:"byUser"`
}

type pushMessage struct {
	Type         string               `json:"type"`
	EventID      string               `json:"eventId,omitempty"`
	SubjectID    string               `json:"subjectId"`
	Revision     int64                `json:"revision,omitempty"`
	CommentID    string               `json:"commentId,omitempty"`
	ParentID     string               `json:"parentId,omitempty"`
	Comment      *comment.Comment     `json:"comment,omitempty"`
	Reactions    *pushReactions       `json:"reactions,omitempty"`
	Attachments  []comment.Attachment `json:"attachments,omitempty"`
	ConnectionID string               `json:"connectionId,omitempty"`
	SentAt       time.Time            `json:"sentAt"`
}

func (s *Service) publish(ctx context.Context, msg pushMessage) {
	if s.broker == nil {
		return
	}
	if msg.EventID == "" {
		msg.EventID = util.SortableID("evt")
	}
	msg.SentAt = s.now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("app: encode push message")
		return
	}
	// The command already succeeded; a lost broadcast is repaired by the
	// clients' re-snapshot on reconnect.
	if err := s.broker.Publish(context.WithoutCancel(ctx), msg.SubjectID, payload); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.SubjectID).Str("type", msg.Type).Msg("app: publish push message")
	}
}

func connectionEstablished(subjectID, connectionID string, now time.Time) ([]byte, error) {
	return json.Marshal(pushMessage{
		Type:         msgConnectionEstablished,
		SubjectID:    subjectID,
		ConnectionID: connectionID,
		SentAt:       now.UTC(),
	})
}
