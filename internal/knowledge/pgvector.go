package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// EmbedFunc turns a query string into an embedding vector. Injected so the
// searcher stays independent of any one embedding provider.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// PgvectorSearcher implements Searcher using PostgreSQL with the pgvector
// extension. Users must provide their own instance with pgvector installed;
// the connection URL comes from PARLEY_PGVECTOR_URL.
type PgvectorSearcher struct {
	pool       *pgxpool.Pool
	embed      EmbedFunc
	dimensions int
}

// NewPgvectorSearcher connects, pings, and creates the vectors table and
// index if they don't exist.
func NewPgvectorSearcher(ctx context.Context, connURL string, dimensions int, embed EmbedFunc) (*PgvectorSearcher, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorSearcher{pool: pool, embed: embed, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Str("url", connURL).Int("dims", dimensions).Msg("pgvector knowledge searcher initialized")
	return s, nil
}

func (s *PgvectorSearcher) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS parley_knowledge_vectors (
			id         TEXT NOT NULL,
			workspace  TEXT NOT NULL,
			vector     vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (workspace, id)
		);

		CREATE INDEX IF NOT EXISTS idx_parley_kv_workspace ON parley_knowledge_vectors (workspace);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Index upserts entry embeddings so later searches can rank them.
func (s *PgvectorSearcher) Index(ctx context.Context, entries []models.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO parley_knowledge_vectors (id, workspace, vector, created_at) VALUES `)

	args := make([]interface{}, 0, len(entries)*4)
	n := 0
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		if n > 0 {
			sb.WriteString(", ")
		}
		base := n*4 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", base, base+1, base+2, base+3)
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		args = append(args, e.ID, e.Workspace, pgvectorArray(e.Embedding), created)
		n++
	}
	if n == 0 {
		return nil
	}

	sb.WriteString(` ON CONFLICT (workspace, id) DO UPDATE SET vector = EXCLUDED.vector`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

// Search embeds the query and ranks the candidates by cosine similarity.
// Candidates without an indexed vector are omitted from the result.
func (s *PgvectorSearcher) Search(ctx context.Context, query string, candidates []models.KnowledgeEntry) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	byID := make(map[string]models.KnowledgeEntry, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, 1 - (vector <=> $1) AS score
		FROM parley_knowledge_vectors
		WHERE workspace = $2 AND id = ANY($3)
		ORDER BY vector <=> $1`,
		pgvectorArray(vector), candidates[0].Workspace, ids)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		if entry, ok := byID[id]; ok {
			results = append(results, Scored{Entry: entry, Score: score})
		}
	}
	return results, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgvectorSearcher) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorSearcher) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
