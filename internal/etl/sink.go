package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/vector"
)

// Sink receives embedded records. Write is never called concurrently.
type Sink interface {
	// Write stores records and returns how many were new.
	Write(ctx context.Context, records []*OutputRecord) (int64, error)
	Close() error
}

// VectorSink writes to the pgvector store, creating the table on first use.
type VectorSink struct {
	store       *vector.Store
	createIndex bool
	logger      *zap.Logger

	schemaOnce sync.Once
	schemaErr  error
}

// NewVectorSink wraps store. With createIndex the similarity index is built
// on Close.
func NewVectorSink(store *vector.Store, createIndex bool, logger *zap.Logger) *VectorSink {
	return &VectorSink{store: store, createIndex: createIndex, logger: logger}
}

func (s *VectorSink) Write(ctx context.Context, records []*OutputRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.store.EnsureSchema(ctx, len(records[0].Embedding))
	})
	if s.schemaErr != nil {
		return 0, s.schemaErr
	}

	docs := make([]*vector.Document, len(records))
	for i, r := range records {
		docs[i] = &vector.Document{
			ExternalID:       r.ID,
			Text:             r.Text,
			Label:            r.Label,
			ModelFingerprint: r.Model,
			Embedding:        r.Embedding,
		}
	}
	res, err := s.store.BatchInsert(ctx, docs)
	if err != nil {
		return 0, err
	}
	return res.Inserted, nil
}

func (s *VectorSink) Close() error {
	if s.createIndex {
		if err := s.store.CreateIndex(context.Background()); err != nil {
			s.logger.Warn("Failed to create vector index", zap.Error(err))
		}
	}
	return s.store.Close()
}

// ParquetSink writes records to a Parquet file.
type ParquetSink struct {
	file   *os.File
	writer *parquet.GenericWriter[OutputRecord]
}

// NewParquetSink creates or truncates path.
func NewParquetSink(path string) (*ParquetSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet output: %w", err)
	}
	return &ParquetSink{file: f, writer: parquet.NewGenericWriter[OutputRecord](f)}, nil
}

func (s *ParquetSink) Write(_ context.Context, records []*OutputRecord) (int64, error) {
	rows := make([]OutputRecord, len(records))
	for i, r := range records {
		rows[i] = *r
	}
	n, err := s.writer.Write(rows)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write Parquet rows: %w", err)
	}
	return int64(n), nil
}

func (s *ParquetSink) Close() error {
	if err := s.writer.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to finish Parquet output: %w", err)
	}
	return s.file.Close()
}

// ReadParquetOutput loads every record written by a ParquetSink.
func ReadParquetOutput(path string) ([]OutputRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewReader(f)
	defer reader.Close()

	var records []OutputRecord
	for {
		var record OutputRecord
		if err := reader.Read(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("failed to read Parquet row %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
