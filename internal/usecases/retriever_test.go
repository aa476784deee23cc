package usecases

import (
	"context"
	"strings"
	"testing"
	"time"

	"botfactory/internal/entities"
)

// stubKnowledge returns a fixed candidate set regardless of query.
type stubKnowledge struct {
	snippets []entities.KnowledgeSnippet
	err      error
}

func (s *stubKnowledge) Search(ctx context.Context, botID int, query string, limit int) ([]entities.KnowledgeSnippet, error) {
	return s.snippets, s.err
}

func snippet(id int64, title, content string, updated time.Time) entities.KnowledgeSnippet {
	return entities.KnowledgeSnippet{
		ID:        id,
		BotID:     1,
		Kind:      entities.SnippetText,
		Title:     title,
		Content:   content,
		UpdatedAt: updated,
	}
}

func TestRetrieveRanksByRelevance(t *testing.T) {
	now := time.Now()
	store := &stubKnowledge{snippets: []entities.KnowledgeSnippet{
		snippet(1, "Shipping", "we ship worldwide", now),
		snippet(2, "Pricing", "pricing pricing pricing details", now),
		snippet(3, "About", "company history", now),
	}}
	r := NewRetriever(store)

	got := r.Retrieve(context.Background(), 1, "pricing", 3, 10000)
	if len(got) == 0 || got[0].ID != 2 {
		t.Fatalf("expected snippet 2 ranked first, got %+v", got)
	}
}

func TestRetrieveTieBrokenByRecency(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	store := &stubKnowledge{snippets: []entities.KnowledgeSnippet{
		snippet(1, "delivery info", "old", old),
		snippet(2, "delivery info", "new", fresh),
	}}
	r := NewRetriever(store)

	got := r.Retrieve(context.Background(), 1, "delivery", 2, 10000)
	if len(got) != 2 || got[0].ID != 2 {
		t.Fatalf("expected most recently updated first, got %+v", got)
	}
}

func TestRetrieveRespectsSnippetLimit(t *testing.T) {
	now := time.Now()
	store := &stubKnowledge{snippets: []entities.KnowledgeSnippet{
		snippet(1, "a topic", "x", now),
		snippet(2, "a topic", "y", now),
		snippet(3, "a topic", "z", now),
	}}
	r := NewRetriever(store)

	got := r.Retrieve(context.Background(), 1, "topic", 2, 10000)
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(got))
	}
}

func TestRetrieveTruncatesWholeSnippets(t *testing.T) {
	now := time.Now()
	small := snippet(1, "faq faq faq", "short", now)
	big := snippet(2, "faq", strings.Repeat("filler ", 200), now)
	store := &stubKnowledge{snippets: []entities.KnowledgeSnippet{small, big}}
	r := NewRetriever(store)

	budget := len(small.Render()) + 10 // room for the first snippet only
	got := r.Retrieve(context.Background(), 1, "faq", 3, budget)

	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected only the top-ranked snippet within budget, got %+v", got)
	}
}

func TestRetrieveEmptyAndFailedSearch(t *testing.T) {
	r := NewRetriever(&stubKnowledge{})
	if got := r.Retrieve(context.Background(), 1, "anything", 3, 1000); len(got) != 0 {
		t.Errorf("empty store: got %+v", got)
	}

	r = NewRetriever(&stubKnowledge{err: context.DeadlineExceeded})
	// A failing store degrades to generation without context, not an error.
	if got := r.Retrieve(context.Background(), 1, "anything", 3, 1000); got != nil {
		t.Errorf("failed search: got %+v", got)
	}
}
