package usecases

import (
	"context"
	"log"
	"sort"
	"strings"

	"botfactory/internal/entities"
	"botfactory/internal/interfaces"
)

// Retriever ranks knowledge base candidates for a query and bounds the
// total context size. The backing store only does candidate search; all
// ordering decisions live here so they are uniform across stores.
type Retriever struct {
	store interfaces.KnowledgeStore
}

func NewRetriever(store interfaces.KnowledgeStore) *Retriever {
	return &Retriever{store: store}
}

// Retrieve returns up to maxSnippets snippets, relevance descending, ties
// broken by most recently updated first, truncated so the rendered content
// stays within maxChars. Truncation drops whole snippets from the bottom of
// the ranking; a snippet is never cut mid-content. An empty result is a
// valid state, not an error.
func (r *Retriever) Retrieve(ctx context.Context, botID int, query string, maxSnippets, maxChars int) []entities.KnowledgeSnippet {
	// Over-fetch so local ranking has something to choose from.
	candidates, err := r.store.Search(ctx, botID, query, maxSnippets*4)
	if err != nil {
		log.Printf("[retriever] search failed for bot %d: %v", botID, err)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	terms := queryTerms(query)

	type scored struct {
		snippet entities.KnowledgeSnippet
		score   int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{snippet: c, score: lexicalScore(&c, terms)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].snippet.UpdatedAt.After(ranked[j].snippet.UpdatedAt)
	})

	result := make([]entities.KnowledgeSnippet, 0, maxSnippets)
	total := 0
	for _, s := range ranked {
		if len(result) >= maxSnippets {
			break
		}
		size := len(s.snippet.Render())
		if total+size > maxChars {
			// Budget exceeded: everything below this rank is dropped
			// wholesale, snippets are never cut mid-content.
			break
		}
		result = append(result, s.snippet)
		total += size
	}
	return result
}

// queryTerms lowercases and splits the query, dropping one-rune noise.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// lexicalScore counts query term hits across the snippet's searchable text.
func lexicalScore(s *entities.KnowledgeSnippet, terms []string) int {
	haystack := strings.ToLower(s.Title + " " + s.Content + " " + s.Question + " " + s.Answer)
	score := 0
	for _, t := range terms {
		score += strings.Count(haystack, t)
	}
	return score
}
