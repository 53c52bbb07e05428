package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord represents a single record from the input dataset
type DataRecord struct {
	ID    string `csv:"id" parquet:"id" json:"id"`
	Text  string `csv:"text" parquet:"text" json:"text"`
	Label string `csv:"label" parquet:"label" json:"label"`
}

// OutputRecord is a DataRecord with its embedding, as written to a sink.
type OutputRecord struct {
	ID        string    `parquet:"id" json:"id"`
	Text      string    `parquet:"text" json:"text"`
	Label     string    `parquet:"label" json:"label"`
	Model     string    `parquet:"model" json:"model"`
	Embedding []float32 `parquet:"embedding" json:"embedding"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	InvalidRecords  int64         `json:"invalid_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Duplicates      int64         `json:"duplicates"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	SinkTime        time.Duration `json:"sink_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"`
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"`
	DryRun         bool          `yaml:"dry_run" mapstructure:"dry_run"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"` // 0 = none
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      64,
		WorkerCount:    4,
		ValidateData:   true,
		MaxTextLength:  10000,
		ProgressReport: 1000,
	}
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	EmbeddingsGen  int64     `json:"embeddings_generated"`
	SinkWrites     int64     `json:"sink_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
