package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"logsnarf/internal/config"
	"logsnarf/internal/decoder"
	"logsnarf/internal/logging"
	"logsnarf/internal/metricstore"
	"logsnarf/internal/pipeline"
	"logsnarf/internal/sink"
	"logsnarf/internal/sink/encoding"
)

func newParseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse [flags] <glob>...",
		Short: "Decode drain files and print the resulting metrics",
		Long: `Decode drain files and print the resulting metrics.

Each argument is a glob ("**" crosses directories); "-" reads stdin.
Metrics go to stdout, line statistics to stderr.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, _ := cmd.Flags().GetString("token")
			format, _ := cmd.Flags().GetString("format")
			enc, err := encoding.ByName(format)
			if err != nil {
				return err
			}
			files, err := expandGlobs(args)
			if err != nil {
				return err
			}
			st, err := parseFiles(cmd.Context(), cfg, token, files, sink.NewWriter(cmd.OutOrStdout(), enc), cmd.InOrStdin())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.ErrOrStderr()).Encode(st)
		},
	}
	cmd.Flags().String("token", "cli", "tenant token to file the metrics under")
	cmd.Flags().String("format", "line", "output format: line, json or msgpack")
	return cmd
}

// expandGlobs resolves patterns to regular files, deduplicated, in pattern
// order and sorted within a pattern. "-" passes through. A pattern matching
// nothing is an error.
func expandGlobs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string
	for _, pattern := range patterns {
		if pattern == "-" {
			result = append(result, pattern)
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		slices.Sort(matches)
		n := 0
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			n++
			if !seen[abs] {
				seen[abs] = true
				result = append(result, abs)
			}
		}
		if n == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
	}
	return result, nil
}

// parseFiles runs every file through the pipeline into out and flushes
// before returning.
func parseFiles(ctx context.Context, cfg *config.Config, token string, files []string, out sink.Sink, stdin io.Reader) (pipeline.Stats, error) {
	var total pipeline.Stats

	table, err := cfg.DecoderTable()
	if err != nil {
		return total, err
	}
	registry, err := decoder.NewRegistry(table, decoder.WithStrict(cfg.Decoders.Strict))
	if err != nil {
		return total, err
	}
	store := metricstore.New(metricstore.Config{
		Sink:       out,
		Timeout:    cfg.Buffer.Timeout,
		MaxPending: cfg.Buffer.MaxPending,
		Logger:     logging.Discard(),
	})
	pipe := pipeline.New(pipeline.Config{Registry: registry, Store: store})

	var errs []error
	for _, name := range files {
		st, err := parseFile(ctx, pipe, token, name, stdin)
		total.Add(st)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := store.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

func parseFile(ctx context.Context, pipe *pipeline.Pipeline, token, name string, stdin io.Reader) (pipeline.Stats, error) {
	if name == "-" {
		return pipe.Ingest(ctx, token, stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return pipeline.Stats{}, err
	}
	defer func() { _ = f.Close() }()
	return pipe.Ingest(ctx, token, f)
}
