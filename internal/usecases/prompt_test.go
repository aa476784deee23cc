package usecases

import (
	"strconv"
	"strings"
	"testing"

	"botfactory/internal/entities"
)

func TestBuildPromptTrimsHistoryOldestFirst(t *testing.T) {
	bot := &entities.TenantBot{Language: "en"}
	history := make([]entities.HistoryTurn, 15)
	for i := range history {
		history[i] = entities.HistoryTurn{Role: "user", Text: "turn " + strconv.Itoa(i)}
	}

	p := BuildPrompt(bot, nil, history, "latest", 10)
	if len(p.History) != 10 {
		t.Fatalf("history length = %d, want 10", len(p.History))
	}
	// Oldest turns are the ones dropped.
	if p.History[0].Text != "turn 5" || p.History[9].Text != "turn 14" {
		t.Errorf("wrong window: first=%q last=%q", p.History[0].Text, p.History[9].Text)
	}
}

func TestBuildPromptDefaultsSystemPromptByLanguage(t *testing.T) {
	for _, lang := range []string{"uz", "ru", "en"} {
		p := BuildPrompt(&entities.TenantBot{Language: lang}, nil, nil, "hi", 10)
		if p.System == "" {
			t.Errorf("no default system prompt for %q", lang)
		}
	}
	// Unknown languages fall back to the Uzbek default.
	p := BuildPrompt(&entities.TenantBot{Language: "fr"}, nil, nil, "hi", 10)
	if p.System != defaultSystemPrompts["uz"] {
		t.Error("unknown language should use the uz default")
	}

	custom := BuildPrompt(&entities.TenantBot{Language: "en", SystemPrompt: "Be a pirate."}, nil, nil, "hi", 10)
	if custom.System != "Be a pirate." {
		t.Errorf("custom system prompt ignored: %q", custom.System)
	}
}

func TestBuildPromptRendersSnippets(t *testing.T) {
	snippets := []entities.KnowledgeSnippet{
		{Kind: entities.SnippetFAQ, Question: "Ish vaqti?", Answer: "9:00-18:00"},
		{Kind: entities.SnippetProduct, Title: "Plov", Content: "Milliy taom", Price: "35000 so'm"},
	}
	p := BuildPrompt(&entities.TenantBot{Language: "uz"}, snippets, nil, "salom", 10)

	if len(p.Context) != 2 {
		t.Fatalf("context size = %d", len(p.Context))
	}
	if !strings.Contains(p.Context[0], "Savol: Ish vaqti?") || !strings.Contains(p.Context[0], "Javob: 9:00-18:00") {
		t.Errorf("faq render: %q", p.Context[0])
	}
	if !strings.Contains(p.Context[1], "Narx: 35000 so'm") {
		t.Errorf("product render: %q", p.Context[1])
	}
}

func TestFlattenPrompt(t *testing.T) {
	p := entities.Prompt{
		System:  "system text",
		Context: []string{"fact one", "fact two"},
		History: []entities.HistoryTurn{
			{Role: "user", Text: "hello"},
			{Role: "assistant", Text: "hi there"},
		},
		UserMessage: "what now",
	}
	flat := FlattenPrompt(p)

	for _, want := range []string{
		"system text",
		"Ma'lumot:\nfact one\n\n---\n\nfact two",
		"Suhbat tarixi:\nFoydalanuvchi: hello\nYordamchi: hi there",
		"Foydalanuvchi: what now\nYordamchi:",
	} {
		if !strings.Contains(flat, want) {
			t.Errorf("flattened prompt missing %q:\n%s", want, flat)
		}
	}
}

func TestFallbackReplies(t *testing.T) {
	en := &entities.TenantBot{Language: "en"}
	if LimitReachedReply(en) == "" || ApologyReply(en) == "" {
		t.Fatal("empty fallback replies")
	}
	if LimitReachedReply(en) == ApologyReply(en) {
		t.Error("limit and apology replies must differ")
	}

	custom := &entities.TenantBot{Language: "en", FallbackMessage: "custom sorry"}
	if ApologyReply(custom) != "custom sorry" {
		t.Error("custom fallback message not used")
	}
	// The limit message is not overridden by the custom fallback.
	if LimitReachedReply(custom) == "custom sorry" {
		t.Error("limit reply must not use the custom fallback")
	}
}
