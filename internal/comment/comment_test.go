package comment

import (
	"testing"
	"time"
)

func TestCloneDoesNotShareState(t *testing.T) {
	original := Comment{
		ID:          "c1",
		Reactions:   Reactions{Counts: map[string]int{"like": 1}, Viewer: "like"},
		Attachments: []Attachment{{Name: "a.png", URL: "https://files/a.png", IsImage: true}},
		Replies:     []Comment{{ID: "r1", ParentID: "c1"}},
	}

	cloned := original.Clone()
	cloned.Reactions.Counts["like"] = 5
	cloned.Attachments[0].Name = "b.png"
	cloned.Replies[0].ID = "r2"

	if original.Reactions.Counts["like"] != 1 {
		t.Fatalf("expected original reaction count 1, got %d", original.Reactions.Counts["like"])
	}
	if original.Attachments[0].Name != "a.png" {
		t.Fatalf("expected original attachment a.png, got %q", original.Attachments[0].Name)
	}
	if original.Replies[0].ID != "r1" {
		t.Fatalf("expected original reply r1, got %q", original.Replies[0].ID)
	}
}

func TestSizeAndFind(t *testing.T) {
	root := Comment{
		ID: "a",
		Replies: []Comment{
			{ID: "b", ParentID: "a", Replies: []Comment{{ID: "c", ParentID: "b"}}},
			{ID: "d", ParentID: "a"},
		},
	}
	if got := root.Size(); got != 4 {
		t.Fatalf("expected size 4, got %d", got)
	}
	found, ok := root.Find("c")
	if !ok || found.ParentID != "b" {
		t.Fatalf("expected to find c under b, got %+v ok=%v", found, ok)
	}
	if _, ok := root.Find("zzz"); ok {
		t.Fatal("expected missing id to be reported as not found")
	}
}

func TestBeforeOrdersNewestFirstWithIDTieBreak(t *testing.T) {
	older := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)

	if !Before(newer, "a", older, "b") {
		t.Fatal("expected newer comment to sort first")
	}
	if Before(older, "z", newer, "a") {
		t.Fatal("expected older comment to sort after newer one")
	}
	if !Before(older, "b", older, "a") {
		t.Fatal("expected higher id to win a time tie")
	}
}

func TestIsImageType(t *testing.T) {
	cases := map[string]bool{
		"image/png":       true,
		" IMAGE/JPEG ":    true,
		"application/pdf": false,
		"":                false,
	}
	for mediaType, want := range cases {
		if got := IsImageType(mediaType); got != want {
			t.Fatalf("IsImageType(%q) = %v, want %v", mediaType, got, want)
		}
	}
}
