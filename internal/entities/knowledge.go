package entities

import "time"

// SnippetKind is the source type of a knowledge base item.
type SnippetKind string

const (
	SnippetFAQ     SnippetKind = "faq"
	SnippetText    SnippetKind = "text"
	SnippetProduct SnippetKind = "product"
)

// KnowledgeSnippet is one read-only knowledge base item used to ground
// generated replies. The dispatch pipeline never writes these.
type KnowledgeSnippet struct {
	ID        int64       `json:"id"`
	BotID     int         `json:"bot_id"`
	Kind      SnippetKind `json:"kind"`
	Title     string      `json:"title"`
	Content   string      `json:"content"`
	Question  string      `json:"question,omitempty"` // FAQ only
	Answer    string      `json:"answer,omitempty"`   // FAQ only
	Price     string      `json:"price,omitempty"`    // product only
	UpdatedAt time.Time   `json:"updated_at"`
}

// Render formats the snippet the way it is fed into the AI prompt.
func (s *KnowledgeSnippet) Render() string {
	switch s.Kind {
	case SnippetFAQ:
		return "Savol: " + s.Question + "\nJavob: " + s.Answer
	case SnippetProduct:
		out := "Mahsulot: " + s.Title + "\nTavsif: " + s.Content
		if s.Price != "" {
			out += "\nNarx: " + s.Price
		}
		return out
	default:
		return s.Title + ": " + s.Content
	}
}
