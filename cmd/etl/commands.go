package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/config"
	"github.com/raaihank/embedlib/internal/embeddings"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/etl"
	"github.com/raaihank/embedlib/internal/logger"
	"github.com/raaihank/embedlib/internal/vector"
)

// environment holds the services a subcommand needs. Each is created on
// first use so `stats` never loads a model.
type environment struct {
	cfg    *config.Config
	log    *logger.Logger
	engine *engine.Engine

	service *embeddings.Service
	store   *vector.Store
}

func setup(configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	// Progress goes to stderr so stdout carries only command output.
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &environment{cfg: cfg, log: log.WithComponent("etl")}, nil
}

func (env *environment) embeddingService() (*embeddings.Service, error) {
	if env.service != nil {
		return env.service, nil
	}
	if !env.cfg.Model.Configured() {
		return nil, errors.New("model.config_path, model.tokenizer_path and model.weights_path are required")
	}

	env.log.Info("Loading model", zap.String("weights", env.cfg.Model.Weights))
	env.engine = engine.New(env.log.Logger)
	if err := env.engine.Init(env.cfg.Model.Paths, env.cfg.Model.EngineOptions()); err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	ec, err := cache.New(&env.cfg.Cache, env.log.Logger)
	if err != nil {
		env.log.Warn("Continuing without embedding cache", zap.Error(err))
		ec = nil
	}
	env.service = embeddings.NewService(env.engine, ec, env.cfg.Service, env.log.Logger)
	return env.service, nil
}

func (env *environment) vectorStore() (*vector.Store, error) {
	if env.store != nil {
		return env.store, nil
	}
	if !env.cfg.Database.Enabled {
		return nil, errors.New("database is not enabled (set database.enabled or EMBEDLIB_DATABASE_ENABLED)")
	}
	store, err := vector.NewStore(&env.cfg.Database, env.log.Logger)
	if err != nil {
		return nil, err
	}
	env.store = store
	return store, nil
}

func (env *environment) close() {
	if env.service != nil {
		_ = env.service.Close()
	}
	if env.engine != nil {
		_ = env.engine.Close()
	}
	if env.store != nil {
		_ = env.store.Close()
	}
	_ = env.log.Sync()
}

type runOptions struct {
	input     string
	output    string
	batchSize int
	workers   int
	skipIndex bool
	dryRun    bool
	timeout   time.Duration
}

// apply overrides cfg with the flags the user actually set.
func (o runOptions) apply(cmd *cobra.Command, cfg *etl.Config) {
	if cmd.Flags().Changed("batch-size") {
		cfg.BatchSize = o.batchSize
	}
	if cmd.Flags().Changed("workers") {
		cfg.WorkerCount = o.workers
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if o.dryRun {
		cfg.DryRun = true
	}
}

// openSink picks the destination for a run: nothing for a dry run, a Parquet
// file when output is set, otherwise the vector store. The returned sink owns
// the store.
func openSink(env *environment, opts runOptions) (etl.Sink, error) {
	switch {
	case opts.dryRun:
		return nil, nil
	case opts.output != "":
		sink, err := etl.NewParquetSink(opts.output)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		store, err := env.vectorStore()
		if err != nil {
			return nil, err
		}
		env.store = nil
		return etl.NewVectorSink(store, !opts.skipIndex, env.log.Logger), nil
	}
}

func runPipeline(ctx context.Context, env *environment, opts runOptions, out io.Writer) error {
	if _, err := os.Stat(opts.input); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	service, err := env.embeddingService()
	if err != nil {
		return err
	}
	sink, err := openSink(env, opts)
	if err != nil {
		return err
	}

	pipeline := etl.NewPipeline(service, sink, env.cfg.ETL, env.log.Logger)
	result, runErr := pipeline.ProcessFile(ctx, opts.input)
	if sink != nil {
		if err := sink.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("failed to close sink: %w", err)
		}
	}
	if result != nil {
		writeResult(out, result)
	}
	return runErr
}

func writeResult(out io.Writer, r *etl.ProcessingResult) {
	rate := 0.0
	if secs := r.Duration.Seconds(); secs > 0 {
		rate = float64(r.TotalRecords) / secs
	}
	fmt.Fprintf(out, "Records:        %d\n", r.TotalRecords)
	fmt.Fprintf(out, "Embedded:       %d\n", r.ProcessedOK)
	fmt.Fprintf(out, "Failed:         %d\n", r.ProcessedFailed)
	fmt.Fprintf(out, "Invalid:        %d\n", r.InvalidRecords)
	fmt.Fprintf(out, "Duplicates:     %d\n", r.Duplicates)
	fmt.Fprintf(out, "Duration:       %v (embedding %v, sink %v)\n",
		r.Duration.Round(time.Millisecond), r.EmbeddingTime.Round(time.Millisecond), r.SinkTime.Round(time.Millisecond))
	fmt.Fprintf(out, "Throughput:     %.1f records/s\n", rate)
	for _, e := range r.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
}

func showStats(ctx context.Context, env *environment, out io.Writer) error {
	store, err := env.vectorStore()
	if err != nil {
		return err
	}
	stats, err := store.GetStats(ctx)
	if err != nil {
		return err
	}
	writeStats(out, stats)
	return nil
}

func writeStats(out io.Writer, stats *vector.VectorStats) {
	fmt.Fprintf(out, "Total documents:  %d\n", stats.TotalDocuments)
	fmt.Fprintf(out, "Dimension:        %d\n", stats.Dimension)

	models := make([]string, 0, len(stats.ByModel))
	for m := range stats.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		fmt.Fprintf(out, "  %-20s %d\n", m, stats.ByModel[m])
	}
}

// finder searches the database store or an in-memory index.
type finder func(ctx context.Context, embedding []float32, opts *vector.SearchOptions) ([]*vector.SimilarityResult, error)

func search(ctx context.Context, env *environment, query, index string, opts *vector.SearchOptions, out io.Writer) error {
	service, err := env.embeddingService()
	if err != nil {
		return err
	}

	var find finder
	if index != "" {
		idx, err := loadIndex(index)
		if err != nil {
			return err
		}
		env.log.Info("Loaded index", zap.String("file", index), zap.Int("documents", idx.Len()))
		find = func(_ context.Context, embedding []float32, opts *vector.SearchOptions) ([]*vector.SimilarityResult, error) {
			return idx.FindSimilar(embedding, opts)
		}
	} else {
		store, err := env.vectorStore()
		if err != nil {
			return err
		}
		find = store.FindSimilar
	}

	res, err := service.GenerateEmbedding(ctx, query)
	if err != nil {
		return err
	}
	opts.ModelFingerprint = res.Model
	results, err := find(ctx, res.Embedding, opts)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(out, "%.4f\t%s\t%s\n", r.Similarity, r.Document.Label, r.Document.Text)
	}
	return nil
}

func loadIndex(path string) (*vector.MemoryIndex, error) {
	records, err := etl.ReadParquetOutput(path)
	if err != nil {
		return nil, err
	}
	idx := vector.NewMemoryIndex()
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
	if err := idx.Add(docs...); err != nil {
		return nil, fmt.Errorf("failed to index %s: %w", path, err)
	}
	return idx, nil
}
