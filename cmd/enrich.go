package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/report"
)

const dateLayout = "2006-01-02"

var (
	enrichID          int64
	enrichName        string
	enrichBorn        string
	enrichDied        string
	enrichWikidata    string
	enrichWikipedia   string
	enrichIMDb        string
	enrichKind        string
	enrichNoSynthesis bool
	enrichNoCache     bool
	enrichJSON        bool
	enrichHTML        string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a single subject",
	Example: `  obit-cli enrich --name "Sean Connery" --died 2020-10-31 --wikidata Q4573
  obit-cli enrich --name "Carl Sagan" --kind biography --html sagan.html`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		subject, err := subjectFromFlags()
		if err != nil {
			return err
		}

		env, err := initEnrich(ctx, "enrich", envOptions{
			Kind:        model.Kind(enrichKind),
			NoSynthesis: enrichNoSynthesis,
			NoCache:     enrichNoCache,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Enrich(ctx, subject)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}
		if err := persistResult(ctx, env.Store, res); err != nil {
			zap.L().Warn("failed to persist result", zap.Error(err))
		}

		if enrichHTML != "" {
			page, err := report.RenderHTML(res)
			if err != nil {
				return err
			}
			if err := os.WriteFile(enrichHTML, page, 0o644); err != nil {
				return eris.Wrap(err, "write html report")
			}
			zap.L().Info("report written", zap.String("path", enrichHTML))
		}

		out := cmd.OutOrStdout()
		if enrichJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		_, err = fmt.Fprint(out, report.Markdown(res))
		return err
	},
}

func init() {
	f := enrichCmd.Flags()
	f.Int64Var(&enrichID, "id", 0, "subject ID used as the storage key")
	f.StringVar(&enrichName, "name", "", "subject name (required)")
	f.StringVar(&enrichBorn, "born", "", "date of birth (YYYY-MM-DD)")
	f.StringVar(&enrichDied, "died", "", "date of death (YYYY-MM-DD)")
	f.StringVar(&enrichWikidata, "wikidata", "", "Wikidata QID")
	f.StringVar(&enrichWikipedia, "wikipedia", "", "English Wikipedia article title")
	f.StringVar(&enrichIMDb, "imdb", "", "IMDb person ID")
	f.StringVar(&enrichKind, "kind", string(model.KindCauseOfDeath), "pipeline: cause_of_death or biography")
	f.BoolVar(&enrichNoSynthesis, "no-synthesis", false, "gather evidence only")
	f.BoolVar(&enrichNoCache, "no-cache", false, "skip cache reads")
	f.BoolVar(&enrichJSON, "json", false, "print the full result as JSON")
	f.StringVar(&enrichHTML, "html", "", "also write an HTML report to this path")
	_ = enrichCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrichCmd)
}

func subjectFromFlags() (model.Subject, error) {
	s := model.Subject{
		ID:             enrichID,
		Name:           enrichName,
		WikidataID:     enrichWikidata,
		WikipediaTitle: enrichWikipedia,
		IMDbID:         enrichIMDb,
	}
	var err error
	if s.Birthday, err = parseDate("--born", enrichBorn); err != nil {
		return s, err
	}
	if s.Deathday, err = parseDate("--died", enrichDied); err != nil {
		return s, err
	}
	return s, nil
}

func parseDate(field, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid %s date %q", field, v)
	}
	return &t, nil
}
