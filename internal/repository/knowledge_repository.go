package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// KnowledgeRepository does candidate search over a bot's knowledge base.
// It returns a recency-ordered candidate set; relevance ranking and size
// bounding happen in the retriever usecase.
type KnowledgeRepository struct {
	db *pgxpool.Pool
}

func NewKnowledgeRepository(db *pgxpool.Pool) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// Search matches any query term against title, content and FAQ fields with
// case-insensitive substring matching. An empty knowledge base yields an
// empty slice, not an error.
func (r *KnowledgeRepository) Search(ctx context.Context, botID int, query string, limit int) ([]entities.KnowledgeSnippet, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) > 5 {
		terms = terms[:5]
	}

	// Build one ILIKE pattern per term, OR-ed together.
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		patterns = append(patterns, "%"+t+"%")
	}

	var sql string
	var args []any
	if len(patterns) > 0 {
		sql = `
			SELECT id, bot_id, kind, title, content, question, answer, price, updated_at
			FROM knowledge_base
			WHERE bot_id = $1 AND is_active = TRUE
				AND (title || ' ' || content || ' ' || question || ' ' || answer) ILIKE ANY($2)
			ORDER BY updated_at DESC LIMIT $3`
		args = []any{botID, patterns, limit}
	} else {
		sql = `
			SELECT id, bot_id, kind, title, content, question, answer, price, updated_at
			FROM knowledge_base
			WHERE bot_id = $1 AND is_active = TRUE
			ORDER BY updated_at DESC LIMIT $2`
		args = []any{botID, limit}
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snippets := []entities.KnowledgeSnippet{}
	for rows.Next() {
		var s entities.KnowledgeSnippet
		if err := rows.Scan(&s.ID, &s.BotID, &s.Kind, &s.Title, &s.Content, &s.Question, &s.Answer, &s.Price, &s.UpdatedAt); err != nil {
			return nil, err
		}
		snippets = append(snippets, s)
	}
	return snippets, rows.Err()
}

// Add inserts a snippet (management API; the pipeline itself never writes).
func (r *KnowledgeRepository) Add(ctx context.Context, s *entities.KnowledgeSnippet) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO knowledge_base (bot_id, kind, title, content, question, answer, price, is_active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,NOW())
		RETURNING id
	`, s.BotID, s.Kind, s.Title, s.Content, s.Question, s.Answer, s.Price).Scan(&s.ID)
}
