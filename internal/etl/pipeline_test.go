package etl

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/embeddings"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/testmodel"
)

type memorySink struct {
	mu      sync.Mutex
	records []*OutputRecord
	seen    map[string]bool
	closed  bool
}

func (s *memorySink) Write(_ context.Context, records []*OutputRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	var n int64
	for _, r := range records {
		if s.seen[r.Text] {
			continue
		}
		s.seen[r.Text] = true
		s.records = append(s.records, r)
		n++
	}
	return n, nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

func newTestService(t *testing.T) *embeddings.Service {
	t.Helper()
	files, err := testmodel.Write(t.TempDir(), testmodel.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to write test model: %v", err)
	}
	e := engine.New(zap.NewNop())
	if err := e.Init(model.Paths{Config: files.Config, Tokenizer: files.Tokenizer, Weights: files.Weights}, engine.Options{}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return embeddings.NewService(e, nil, embeddings.Config{}, zap.NewNop())
}

func TestProcessCSV(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(newTestService(t), sink, Config{BatchSize: 2, WorkerCount: 2, ValidateData: true}, zap.NewNop())

	input := "id,text,label\n" +
		"a,hello world,greeting\n" +
		"b,the quick brown fox,animal\n" +
		"c,,empty\n" +
		"d,the lazy dog,animal\n" +
		"e,hello world,duplicate\n"

	res, err := p.ProcessCSV(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ProcessCSV failed: %v", err)
	}
	if res.TotalRecords != 5 || res.InvalidRecords != 1 || res.ProcessedOK != 4 || res.ProcessedFailed != 0 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.Duplicates != 1 {
		t.Errorf("Expected 1 duplicate, got %d", res.Duplicates)
	}
	if len(sink.records) != 3 {
		t.Fatalf("Expected 3 stored records, got %d", len(sink.records))
	}
	for _, r := range sink.records {
		if len(r.Embedding) != 16 || r.Model == "" || r.ID == "" {
			t.Errorf("Incomplete record: %+v", r)
		}
	}

	stats := p.GetStats()
	if stats.RecordsRead != 5 || stats.RecordsInvalid != 1 || stats.EmbeddingsGen != 4 || stats.SinkWrites != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestProcessCSVHeaderMapping(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(newTestService(t), sink, Config{}, zap.NewNop())

	input := "label_text,Text\nnews,hello\n"
	if _, err := p.ProcessCSV(context.Background(), strings.NewReader(input)); err != nil {
		t.Fatalf("ProcessCSV failed: %v", err)
	}
	if len(sink.records) != 1 || sink.records[0].Label != "news" || sink.records[0].ID != "line-2" {
		t.Errorf("Unexpected record: %+v", sink.records)
	}

	_, err := p.ProcessCSV(context.Background(), strings.NewReader("id,body\n1,hello\n"))
	if !errors.Is(err, ErrMissingTextColumn) {
		t.Errorf("Expected ErrMissingTextColumn, got %v", err)
	}
}

func TestProcessJSON(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(newTestService(t), sink, Config{}, zap.NewNop())

	input := `{"id":"1","text":"hello","label":"x"}
{"id":"2","text":"world"}
`
	res, err := p.ProcessJSON(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ProcessJSON failed: %v", err)
	}
	if res.ProcessedOK != 2 || len(sink.records) != 2 {
		t.Errorf("Expected 2 records, got %+v", res)
	}

	_, err = p.ProcessJSON(context.Background(), strings.NewReader(`{"text":"ok"} {broken`))
	if err == nil {
		t.Errorf("Expected error for malformed JSON")
	}
}

func TestInvalidUTF8IsRejected(t *testing.T) {
	sink := &memorySink{}
	p := NewPipeline(newTestService(t), sink, Config{}, zap.NewNop())

	res, err := p.ProcessJSON(context.Background(), strings.NewReader("{\"text\":\"ok\"}\n"))
	if err != nil || res.ProcessedOK != 1 {
		t.Fatalf("Expected valid record to pass, got %+v, %v", res, err)
	}

	records := []*DataRecord{{Text: "fine"}, {Text: "bad \xff"}}
	i := 0
	next := func() (*DataRecord, error) {
		if i == len(records) {
			return nil, io.EOF
		}
		i++
		return records[i-1], nil
	}
	res, err = p.Process(context.Background(), next)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.InvalidRecords != 1 || res.ProcessedOK != 1 {
		t.Errorf("Expected invalid UTF-8 to be skipped, got %+v", res)
	}
}

func TestDryRun(t *testing.T) {
	p := NewPipeline(newTestService(t), nil, Config{}, zap.NewNop())

	res, err := p.ProcessCSV(context.Background(), strings.NewReader("text\nhello\nworld\n"))
	if err != nil {
		t.Fatalf("ProcessCSV failed: %v", err)
	}
	if res.ProcessedOK != 2 || res.SinkTime != 0 {
		t.Errorf("Unexpected dry-run result: %+v", res)
	}
}

func TestCancelledContext(t *testing.T) {
	p := NewPipeline(newTestService(t), &memorySink{}, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.ProcessCSV(ctx, strings.NewReader("text\nhello\n"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t)

	input := filepath.Join(dir, "input.parquet")
	f, err := os.Create(input)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	w := parquet.NewGenericWriter[DataRecord](f)
	if _, err := w.Write([]DataRecord{{ID: "1", Text: "hello"}, {ID: "2", Text: "the quick brown fox", Label: "animal"}}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	f.Close()

	output := filepath.Join(dir, "output.parquet")
	sink, err := NewParquetSink(output)
	if err != nil {
		t.Fatalf("NewParquetSink failed: %v", err)
	}
	p := NewPipeline(svc, sink, Config{}, zap.NewNop())
	res, err := p.ProcessFile(context.Background(), input)
	if err != nil {
		t.Fatalf("ProcessFile failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Sink close failed: %v", err)
	}
	if res.ProcessedOK != 2 {
		t.Fatalf("Expected 2 records processed, got %+v", res)
	}

	got, err := ReadParquetOutput(output)
	if err != nil {
		t.Fatalf("ReadParquetOutput failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 output rows, got %d", len(got))
	}
	for _, r := range got {
		if len(r.Embedding) != 16 || r.Model == "" {
			t.Errorf("Incomplete output row: %+v", r)
		}
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"data.csv":        FormatCSV,
		"data.PARQUET":    FormatParquet,
		"data.jsonl":      FormatJSON,
		"data.json":       FormatJSON,
		"/tmp/x/data.tsv": FormatCSV,
		"archive.ndjson":  FormatJSON,
	}
	for name, want := range tests {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%q) = %s, want %s", name, got, want)
		}
	}
}
