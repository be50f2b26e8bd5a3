// Package knowledge scores and filters knowledge entries against the
// current user message. Scoring is keyword-overlap by default; a pluggable
// Searcher (e.g. pgvector) upgrades it to semantic similarity when
// embeddings are available.
package knowledge

import (
	"context"
	"sort"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// ScoreThreshold is the fixed relevance cutoff for non-identity entries.
const ScoreThreshold = 0.05

// Scored pairs an entry with its relevance score for the current query.
type Scored struct {
	Entry models.KnowledgeEntry
	Score float64
}

// Searcher ranks candidate entries against a query semantically. Search
// returns a subset of candidates with scores in [0,1]. Candidates it omits
// have no indexed vector; Filter scores those by keyword overlap instead.
type Searcher interface {
	Search(ctx context.Context, query string, candidates []models.KnowledgeEntry) ([]Scored, error)
}

// Indexer stores entry embeddings so a Searcher can rank them later.
// PgvectorSearcher implements both sides.
type Indexer interface {
	Index(ctx context.Context, entries []models.KnowledgeEntry) error
}

// Score returns the keyword-overlap relevance of an entry for a query:
// matches / max(3, distinctQueryWords). Identity-category entries are not
// scored; callers include them unconditionally.
func Score(query string, entry models.KnowledgeEntry) float64 {
	queryWords := distinctWords(query)
	if len(queryWords) == 0 {
		return 0
	}

	entryText := strings.ToLower(entry.Key + " " + entry.Value)
	matches := 0
	for word := range queryWords {
		if strings.Contains(entryText, word) {
			matches++
		}
	}

	denom := len(queryWords)
	if denom < 3 {
		denom = 3
	}
	return float64(matches) / float64(denom)
}

// Filter selects the entries to include in the assembled context. Identity
// entries always pass. Other entries are ranked by the searcher when one is
// configured, with keyword overlap as the fallback, and cut at
// ScoreThreshold. Results are ordered by category, then key.
func Filter(ctx context.Context, query string, entries []models.KnowledgeEntry, searcher Searcher) []models.KnowledgeEntry {
	var identity, candidates []models.KnowledgeEntry
	for _, e := range entries {
		if e.Category == models.KnowledgeCategoryIdentity {
			identity = append(identity, e)
		} else {
			candidates = append(candidates, e)
		}
	}

	included := identity

	if searcher != nil && len(candidates) > 0 {
		scored, err := searcher.Search(ctx, query, candidates)
		if err == nil {
			seen := make(map[string]bool, len(scored))
			for _, s := range scored {
				seen[s.Entry.ID] = true
				if s.Score >= ScoreThreshold {
					included = append(included, s.Entry)
				}
			}
			// Entries the index doesn't know yet still get keyword scoring.
			for _, e := range candidates {
				if !seen[e.ID] && Score(query, e) >= ScoreThreshold {
					included = append(included, e)
				}
			}
			sortEntries(included)
			return included
		}
		log.Warn().Err(err).Msg("Semantic knowledge search failed, falling back to keyword overlap")
	}

	for _, e := range candidates {
		if Score(query, e) >= ScoreThreshold {
			included = append(included, e)
		}
	}
	sortEntries(included)
	return included
}

// FormatBlock renders entries grouped by category as a markdown-like block.
// Returns the empty string (not an empty heading) when no entries passed.
func FormatBlock(entries []models.KnowledgeEntry) string {
	if len(entries) == 0 {
		return ""
	}

	byCategory := make(map[string][]models.KnowledgeEntry)
	var categories []string
	for _, e := range entries {
		if _, seen := byCategory[e.Category]; !seen {
			categories = append(categories, e.Category)
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString("## What you know\n")
	for _, cat := range categories {
		b.WriteString("\n### " + cat + "\n")
		for _, e := range byCategory[cat] {
			b.WriteString("- " + e.Key + ": " + e.Value + "\n")
		}
	}
	return b.String()
}

func sortEntries(entries []models.KnowledgeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Key < entries[j].Key
	})
}

func distinctWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"()[]{}")
		if w != "" {
			words[w] = struct{}{}
		}
	}
	return words
}
