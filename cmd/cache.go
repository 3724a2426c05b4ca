package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/store"
)

const importChunkSize = 5000

var (
	cachePurgeSource string
	cacheImportFiles []string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the query cache",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("cache")
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count cached responses by source and status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.CacheStats(ctx)
		if err != nil {
			return err
		}
		sort.Slice(stats, func(i, j int) bool {
			if stats[i].SourceType != stats[j].SourceType {
				return stats[i].SourceType < stats[j].SourceType
			}
			return stats[i].Status < stats[j].Status
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tROWS")
		for _, s := range stats {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.SourceType, s.Status, s.Count)
		}
		return w.Flush()
	},
}

var cachePurgeErrorsCmd = &cobra.Command{
	Use:   "purge-errors",
	Short: "Delete cached failures so they are queried again",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.PurgeCachedErrors(ctx, model.SourceType(cachePurgeSource))
		if err != nil {
			return err
		}
		zap.L().Info("purged cached errors", zap.String("source", cachePurgeSource), zap.Int64("rows", n))
		return nil
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load cache records from JSONL exports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := importCacheFiles(ctx, st, cacheImportFiles)
		if err != nil {
			return err
		}
		zap.L().Info("cache import complete", zap.Int("files", len(cacheImportFiles)), zap.Int64("rows", n))
		return nil
	},
}

func init() {
	cachePurgeErrorsCmd.Flags().StringVar(&cachePurgeSource, "source", "", "limit the purge to one source type")
	cacheImportCmd.Flags().StringSliceVar(&cacheImportFiles, "file", nil, "JSONL file of cache records (repeatable)")
	_ = cacheImportCmd.MarkFlagRequired("file")

	cacheCmd.AddCommand(cacheStatsCmd, cachePurgeErrorsCmd, cacheImportCmd)
	rootCmd.AddCommand(cacheCmd)
}

// readCacheJSONL parses one record per line. Blank lines are ignored.
func readCacheJSONL(path string) ([]model.CacheRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var recs []model.CacheRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec model.CacheRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, eris.Wrapf(err, "%s:%d", path, line)
		}
		if rec.SourceType == "" || (rec.QueryHash == "" && rec.Query == "") {
			return nil, eris.Errorf("%s:%d: record needs source_type and query_hash or query", path, line)
		}
		if rec.QueryHash == "" {
			rec.QueryHash = store.QueryHash(rec.SourceType, rec.Query)
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrapf(sc.Err(), "scan %s", path)
}

// importCacheFiles parses files concurrently and loads them in chunks. Loads
// run one at a time so a single-writer backend is never contended.
func importCacheFiles(ctx context.Context, st store.Store, paths []string) (int64, error) {
	parsed := make([][]model.CacheRecord, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		g.Go(func() error {
			recs, err := readCacheJSONL(p)
			if err != nil {
				return err
			}
			parsed[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var total int64
	for i, recs := range parsed {
		for start := 0; start < len(recs); start += importChunkSize {
			end := min(start+importChunkSize, len(recs))
			n, err := st.ImportCache(ctx, recs[start:end])
			if err != nil {
				return total, eris.Wrapf(err, "import %s", paths[i])
			}
			total += n
		}
	}
	return total, nil
}
