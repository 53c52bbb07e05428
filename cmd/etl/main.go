// Command etl embeds the text column of a CSV, Parquet or JSON-lines dataset
// and writes the vectors to pgvector or a Parquet file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raaihank/embedlib/internal/vector"
)

var (
	configFlag string
	rootCmd    = &cobra.Command{
		Use:           "etl",
		Short:         "Batch embedding pipeline for datasets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newRunCmd(), newStatsCmd(), newSearchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Embed a dataset and write the vectors to a sink",
		Example: `  etl run --input dataset.csv --batch-size 128
  etl run --input dataset.parquet --workers 8 --output vectors.parquet
  etl run --input dataset.jsonl --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(configFlag)
			if err != nil {
				return err
			}
			defer env.close()
			opts.apply(cmd, &env.cfg.ETL)
			return runPipeline(cmd.Context(), env, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Input dataset file (CSV, Parquet, or JSON lines)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write vectors to this Parquet file instead of the database")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Records per batch (default from config)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Number of worker goroutines (default from config)")
	cmd.Flags().BoolVar(&opts.skipIndex, "skip-index", false, "Skip creating the vector index")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Embed records without writing them")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this long")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vector database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(configFlag)
			if err != nil {
				return err
			}
			defer env.close()
			return showStats(cmd.Context(), env, cmd.OutOrStdout())
		},
	}
}

func newSearchCmd() *cobra.Command {
	var (
		query         string
		limit         int
		minSimilarity float32
		label         string
		index         string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find stored texts similar to a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(configFlag)
			if err != nil {
				return err
			}
			defer env.close()
			opts := &vector.SearchOptions{Limit: limit, MinSimilarity: minSimilarity, LabelFilter: label}
			return search(cmd.Context(), env, query, index, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Query text (required)")
	cmd.Flags().IntVarP(&limit, "limit", "k", 5, "Number of results to return")
	cmd.Flags().Float32Var(&minSimilarity, "min-similarity", 0.5, "Minimum cosine similarity")
	cmd.Flags().StringVar(&label, "label", "", "Only return documents with this label")
	cmd.Flags().StringVar(&index, "index", "", "Search a Parquet file written by run --output instead of the database")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}
