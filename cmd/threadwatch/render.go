package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"ticketdesk/threads/internal/comment"
	"ticketdesk/threads/internal/live"
	"ticketdesk/threads/internal/push"
)

const timeLayout = "2006-01-02 15:04"

// frame is everything one redraw of the watch screen needs.
type frame struct {
	SubjectID string
	View      live.View
	Status    push.State
	LastErr   error
}

func render(w io.Writer, f frame) {
	header := fmt.Sprintf("%s  [%s]  %d of %d roots", f.SubjectID, f.Status, len(f.View.Tree), f.View.Pagination.Total)
	if f.View.Pagination.HasMore {
		header += "  (more)"
	}
	if f.View.OrphanCount > 0 || f.View.ParkedCount > 0 {
		header += fmt.Sprintf("  waiting: %d orphans, %d parked", f.View.OrphanCount, f.View.ParkedCount)
	}
	fmt.Fprintln(w, header)
	if f.LastErr != nil {
		fmt.Fprintf(w, "! %v\n", f.LastErr)
	}
	if len(f.View.Tree) == 0 {
		fmt.Fprintln(w, "  no comments yet")
		return
	}
	for _, root := range f.View.Tree {
		renderComment(w, root, 0)
	}
}

func renderComment(w io.Writer, c comment.Comment, depth int) {
	indent := strings.Repeat("  ", depth)
	edited := ""
	if c.UpdatedAt.After(c.CreatedAt) {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "%s- %s  %s  #%s%s\n", indent, c.Author, c.CreatedAt.UTC().Format(timeLayout), c.ID, edited)
	for _, line := range strings.Split(c.Content, "\n") {
		fmt.Fprintf(w, "%s  | %s\n", indent, line)
	}
	if line := reactionLine(c.Reactions); line != "" {
		fmt.Fprintf(w, "%s  %s\n", indent, line)
	}
	for _, a := range c.Attachments {
		kind := "file"
		if a.IsImage {
			kind = "image"
		}
		fmt.Fprintf(w, "%s  [%s] %s\n", indent, kind, a.Name)
	}
	for _, reply := range c.Replies {
		renderComment(w, reply, depth+1)
	}
}

func reactionLine(r comment.Reactions) string {
	kinds := make([]string, 0, len(r.Counts))
	for kind, count := range r.Counts {
		if count > 0 {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return ""
	}
	sort.Strings(kinds)
	parts := make([]string, len(kinds))
	for i, kind := range kinds {
		parts[i] = fmt.Sprintf("%s %d", kind, r.Counts[kind])
	}
	line := "reactions: " + strings.Join(parts, ", ")
	if r.Viewer != "" {
		line += " (you: " + r.Viewer + ")"
	}
	return line
}
