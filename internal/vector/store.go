package vector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "embeddings"

// rows per INSERT statement; 6 parameters each stays under the protocol limit
const insertChunk = 1000

// Store handles embedding storage with PostgreSQL + pgvector
type Store struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger

	searches    atomic.Int64
	searchNanos atomic.Int64
}

// NewStore creates a new vector store instance
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	table := config.Table
	if table == "" {
		table = DefaultTable
	}
	if err := validateIdentifier(table); err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{db: db, table: table, logger: logger}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Vector store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.String("table", table),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector extension: %w", err)
	}
	return nil
}

// EnsureSchema creates the table for embeddings of the given dimension.
func (s *Store) EnsureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.table, dimension)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	s.logger.Info("Vector schema ready", zap.String("table", s.table), zap.Int("dimension", dimension))
	return nil
}

// Insert adds one document, filling ID and CreatedAt.
func (s *Store) Insert(ctx context.Context, doc *Document) error {
	if doc.TextHash == "" {
		doc.TextHash = TextHash(doc.Text)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (external_id, text, text_hash, label, model_fingerprint, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`, s.table)

	err := s.db.QueryRowContext(ctx, query,
		doc.ExternalID,
		doc.Text,
		doc.TextHash,
		doc.Label,
		doc.ModelFingerprint,
		formatEmbedding(doc.Embedding),
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to insert document", zap.Error(err), zap.String("external_id", doc.ExternalID))
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// BatchInsert adds documents, skipping texts already stored for the same model.
func (s *Store) BatchInsert(ctx context.Context, docs []*Document) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(docs) == 0 {
		return result, nil
	}
	start := time.Now()

	for lo := 0; lo < len(docs); lo += insertChunk {
		chunk := docs[lo:min(lo+insertChunk, len(docs))]
		query, args := buildBatchInsert(s.table, chunk)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			result.Failed += int64(len(chunk))
			result.Errors = append(result.Errors, err)
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("chunk_size", len(chunk)))
			continue
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			inserted = int64(len(chunk))
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(chunk)) - inserted
	}
	result.Duration = time.Since(start)

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("batch insert failed: %w", errors.Join(result.Errors...))
	}
	return result, nil
}

// FindSimilar returns the documents nearest to embedding by cosine distance.
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5, MinSimilarity: 0.7}
	}
	query, args := buildSearchQuery(s.table, formatEmbedding(embedding), options)

	start := time.Now()
	defer func() {
		s.searches.Add(1)
		s.searchNanos.Add(int64(time.Since(start)))
	}()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var (
			doc          Document
			result       SimilarityResult
			embeddingStr string
		)
		if err := rows.Scan(
			&doc.ID, &doc.ExternalID, &doc.Text, &doc.TextHash, &doc.Label,
			&doc.ModelFingerprint, &embeddingStr, &doc.CreatedAt,
			&result.Similarity, &result.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}
		if doc.Embedding, err = parseEmbedding(embeddingStr); err != nil {
			return nil, err
		}
		result.Document = &doc
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*VectorStats, error) {
	stats := &VectorStats{ByModel: map[string]int64{}}

	var rows []struct {
		Fingerprint string `db:"model_fingerprint"`
		Count       int64  `db:"count"`
	}
	query := fmt.Sprintf("SELECT model_fingerprint, COUNT(*) AS count FROM %s GROUP BY model_fingerprint", s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}
	for _, r := range rows {
		stats.ByModel[r.Fingerprint] = r.Count
		stats.TotalDocuments += r.Count
	}

	var dim sql.NullInt64
	query = fmt.Sprintf("SELECT vector_dims(embedding) FROM %s LIMIT 1", s.table)
	if err := s.db.GetContext(ctx, &dim, query); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("Failed to read embedding dimension", zap.Error(err))
	}
	stats.Dimension = int(dim.Int64)

	if n := s.searches.Load(); n > 0 {
		stats.AvgSearchTime = time.Duration(s.searchNanos.Load() / n)
	}
	return stats, nil
}

// CreateIndex creates the cosine similarity index once the table is large
// enough for ivfflat lists to be meaningful.
func (s *Store) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	if count < 1000 {
		s.logger.Info("Skipping index creation, not enough documents", zap.Int64("count", count))
		return nil
	}

	query := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%s_embedding
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created", zap.Int64("document_count", count))
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// TextHash identifies a text for duplicate detection.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func createTableSQL(table string, dimension int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			model_fingerprint TEXT NOT NULL,
			embedding vector(%[2]d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (text_hash, model_fingerprint)
		)`, table, dimension)
}

func buildBatchInsert(table string, docs []*Document) (string, []any) {
	const cols = 6
	values := make([]string, 0, len(docs))
	args := make([]any, 0, len(docs)*cols)
	for i, doc := range docs {
		if doc.TextHash == "" {
			doc.TextHash = TextHash(doc.Text)
		}
		n := i * cols
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		args = append(args, doc.ExternalID, doc.Text, doc.TextHash, doc.Label, doc.ModelFingerprint, formatEmbedding(doc.Embedding))
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (external_id, text, text_hash, label, model_fingerprint, embedding)
		VALUES %s
		ON CONFLICT (text_hash, model_fingerprint) DO NOTHING`, table, strings.Join(values, ","))
	return query, args
}

func buildSearchQuery(table, embedding string, options *SearchOptions) (string, []any) {
	where := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []any{embedding, options.MinSimilarity}

	if options.LabelFilter != "" {
		args = append(args, options.LabelFilter)
		where += fmt.Sprintf(" AND label = $%d", len(args))
	}
	if options.ModelFingerprint != "" {
		args = append(args, options.ModelFingerprint)
		where += fmt.Sprintf(" AND model_fingerprint = $%d", len(args))
	}

	limit := options.Limit
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			id, external_id, text, text_hash, label, model_fingerprint,
			embedding::text, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, where, len(args))
	return query, args
}

// validateIdentifier rejects table names that would need quoting.
func validateIdentifier(name string) error {
	if name == "" || len(name) > 63 {
		return fmt.Errorf("invalid table name %q", name)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// formatEmbedding converts float32 slice to PostgreSQL vector format
func formatEmbedding(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseEmbedding converts PostgreSQL vector format back to float32 slice
func parseEmbedding(embeddingStr string) ([]float32, error) {
	embeddingStr = strings.Trim(embeddingStr, "[]")
	if embeddingStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value %d: %w", i, err)
		}
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	if colon < 0 || !strings.Contains(userPart[:colon], "//") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
