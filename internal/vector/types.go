package vector

import (
	"time"
)

// Document is a stored text with its embedding
type Document struct {
	ID               int64     `db:"id" json:"id"`
	ExternalID       string    `db:"external_id" json:"external_id,omitempty"`
	Text             string    `db:"text" json:"text"`
	TextHash         string    `db:"text_hash" json:"text_hash"`
	Label            string    `db:"label" json:"label,omitempty"`
	ModelFingerprint string    `db:"model_fingerprint" json:"model_fingerprint"`
	Embedding        []float32 `db:"embedding" json:"embedding"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Document   *Document `json:"document"`
	Similarity float32   `json:"similarity"`
	Distance   float32   `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit            int     `json:"limit"`
	MinSimilarity    float32 `json:"min_similarity"`
	LabelFilter      string  `json:"label_filter,omitempty"`
	ModelFingerprint string  `json:"model_fingerprint,omitempty"`
}

// VectorStats represents database statistics
type VectorStats struct {
	TotalDocuments int64            `json:"total_documents"`
	ByModel        map[string]int64 `json:"by_model"`
	Dimension      int              `json:"dimension"`
	AvgSearchTime  time.Duration    `json:"avg_search_time"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Failed     int64         `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Errors     []error       `json:"-"`
}

// Config contains database configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}
