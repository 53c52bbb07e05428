// Package etl embeds text datasets in bulk and writes the vectors to a sink.
package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/embedlib/internal/embeddings"
)

// ErrMissingTextColumn is returned for CSV input without a text column.
var ErrMissingTextColumn = errors.New("CSV header has no text column")

// Pipeline handles ETL operations for text datasets
type Pipeline struct {
	service embeddings.EmbeddingService
	sink    Sink
	config  Config
	logger  *zap.Logger

	mu    sync.RWMutex
	stats ProcessingStats
}

// NewPipeline creates a new ETL pipeline. sink may be nil for a dry run.
func NewPipeline(service embeddings.EmbeddingService, sink Sink, config Config, logger *zap.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = defaults.ProgressReport
	}
	if sink == nil {
		config.DryRun = true
	}
	return &Pipeline{
		service: service,
		sink:    sink,
		config:  config,
		logger:  logger,
		stats:   ProcessingStats{StartTime: time.Now()},
	}
}

// recordReader returns the next record, or io.EOF.
type recordReader func() (*DataRecord, error)

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.Bool("dry_run", p.config.DryRun))

	var next recordReader
	switch format {
	case FormatCSV:
		next, err = csvReader(file)
	case FormatParquet:
		next = parquetReader(file)
	case FormatJSON:
		next = jsonReader(file)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, next)
}

// ProcessCSV processes CSV data from r.
func (p *Pipeline) ProcessCSV(ctx context.Context, r io.Reader) (*ProcessingResult, error) {
	next, err := csvReader(r)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, next)
}

// ProcessJSON processes a stream of JSON objects from r.
func (p *Pipeline) ProcessJSON(ctx context.Context, r io.Reader) (*ProcessingResult, error) {
	return p.Process(ctx, jsonReader(r))
}

// Process reads batches sequentially and embeds them on up to WorkerCount
// goroutines. Batch failures are counted, not fatal; cancellation is.
func (p *Pipeline) Process(ctx context.Context, next recordReader) (*ProcessingResult, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	p.resetStats()
	start := time.Now()
	result := &ProcessingResult{}
	var resultMu, sinkMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)

	var readErr error
	for batchNo := int64(1); ; batchNo++ {
		batchNo := batchNo
		if err := gctx.Err(); err != nil {
			readErr = err
			break
		}
		batch, invalid, err := p.readBatch(next)
		resultMu.Lock()
		result.TotalRecords += int64(len(batch) + invalid)
		result.InvalidRecords += int64(invalid)
		resultMu.Unlock()
		if err != nil {
			readErr = err
			break
		}
		if len(batch) == 0 {
			break
		}
		p.updateStats(func(s *ProcessingStats) { s.CurrentBatch = batchNo })

		g.Go(func() error {
			err := p.processBatch(gctx, batch, result, &resultMu, &sinkMu)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				p.logger.Error("Batch processing failed", zap.Int64("batch", batchNo), zap.Error(err))
				result.ProcessedFailed += int64(len(batch))
				result.Errors = append(result.Errors, err.Error())
				return nil
			}
			result.ProcessedOK += int64(len(batch))
			if result.ProcessedOK%int64(p.config.ProgressReport) < int64(len(batch)) {
				p.reportProgress(result)
			}
			return nil
		})
	}
	_ = g.Wait()
	result.Duration = time.Since(start)

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("invalid", result.InvalidRecords),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("sink_time", result.SinkTime))

	if readErr != nil {
		return result, fmt.Errorf("ETL aborted: %w", readErr)
	}
	return result, nil
}

// readBatch collects up to BatchSize valid records. It returns io.EOF only
// through an empty batch.
func (p *Pipeline) readBatch(next recordReader) ([]*DataRecord, int, error) {
	var (
		batch   []*DataRecord
		invalid int
	)
	for len(batch) < p.config.BatchSize {
		record, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return batch, invalid, fmt.Errorf("failed to read record: %w", err)
		}
		p.updateStats(func(s *ProcessingStats) { s.RecordsRead++ })

		if reason := p.validateRecord(record); reason != "" {
			invalid++
			p.updateStats(func(s *ProcessingStats) { s.RecordsInvalid++ })
			p.logger.Debug("Invalid record", zap.String("id", record.ID), zap.String("reason", reason))
			continue
		}
		p.updateStats(func(s *ProcessingStats) { s.RecordsValid++ })
		batch = append(batch, record)
	}
	return batch, invalid, nil
}

func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, result *ProcessingResult, resultMu, sinkMu *sync.Mutex) error {
	texts := make([]string, len(batch))
	for i, record := range batch {
		texts[i] = record.Text
	}

	embeddingStart := time.Now()
	res, err := p.service.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return fmt.Errorf("batch embedding generation failed: %w", err)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("batch embedding generation failed: %w", errors.Join(res.Errors...))
	}
	embeddingTime := time.Since(embeddingStart)
	p.updateStats(func(s *ProcessingStats) { s.EmbeddingsGen += int64(len(batch)) })

	records := make([]*OutputRecord, len(batch))
	for i, record := range batch {
		records[i] = &OutputRecord{
			ID:        record.ID,
			Text:      record.Text,
			Label:     record.Label,
			Model:     res.Model,
			Embedding: res.Embeddings[i],
		}
	}

	var (
		written  = int64(len(records))
		sinkTime time.Duration
	)
	if !p.config.DryRun {
		sinkStart := time.Now()
		sinkMu.Lock()
		written, err = p.sink.Write(ctx, records)
		sinkMu.Unlock()
		if err != nil {
			return fmt.Errorf("sink write failed: %w", err)
		}
		sinkTime = time.Since(sinkStart)
		p.updateStats(func(s *ProcessingStats) { s.SinkWrites += written })
	}

	resultMu.Lock()
	result.EmbeddingTime += embeddingTime
	result.SinkTime += sinkTime
	result.Duplicates += int64(len(records)) - written
	resultMu.Unlock()
	return nil
}

// validateRecord returns why record is rejected, or "".
func (p *Pipeline) validateRecord(record *DataRecord) string {
	if !utf8.ValidString(record.Text) {
		return "text is not valid UTF-8"
	}
	if !p.config.ValidateData {
		return ""
	}
	if strings.TrimSpace(record.Text) == "" {
		return "empty text"
	}
	if p.config.MaxTextLength > 0 && len(record.Text) > p.config.MaxTextLength {
		return fmt.Sprintf("text longer than %d bytes", p.config.MaxTextLength)
	}
	return ""
}

func (p *Pipeline) reportProgress(result *ProcessingResult) {
	p.mu.RLock()
	elapsed := time.Since(p.stats.StartTime)
	p.mu.RUnlock()

	rate := float64(result.ProcessedOK) / elapsed.Seconds()
	p.updateStats(func(s *ProcessingStats) { s.ProcessingRate = rate })

	p.logger.Info("Processing progress",
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}

func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = ProcessingStats{StartTime: time.Now()}
}

func (p *Pipeline) updateStats(fn func(*ProcessingStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.stats)
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := p.stats
	return &stats
}

// csvReader maps columns by header name. "text" is required; "id" and
// "label" (or "label_text") are optional.
func csvReader(r io.Reader) (recordReader, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	textCol, ok := cols["text"]
	if !ok {
		return nil, ErrMissingTextColumn
	}
	idCol, hasID := cols["id"]
	labelCol, hasLabel := cols["label"]
	if !hasLabel {
		labelCol, hasLabel = cols["label_text"]
	}

	field := func(row []string, i int, present bool) string {
		if !present || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	line := 1
	return func() (*DataRecord, error) {
		for {
			row, err := reader.Read()
			line++
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					continue
				}
				return nil, err
			}
			record := &DataRecord{
				ID:    field(row, idCol, hasID),
				Text:  field(row, textCol, true),
				Label: field(row, labelCol, hasLabel),
			}
			if record.ID == "" {
				record.ID = fmt.Sprintf("line-%d", line)
			}
			return record, nil
		}
	}, nil
}

func parquetReader(f *os.File) recordReader {
	reader := parquet.NewReader(f)
	return func() (*DataRecord, error) {
		var record DataRecord
		if err := reader.Read(&record); err != nil {
			reader.Close()
			return nil, err
		}
		return &record, nil
	}
}

func jsonReader(r io.Reader) recordReader {
	decoder := json.NewDecoder(r)
	return func() (*DataRecord, error) {
		var record DataRecord
		if err := decoder.Decode(&record); err != nil {
			return nil, err
		}
		return &record, nil
	}
}
