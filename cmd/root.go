package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/batch"
	"github.com/sells-group/obit-cli/internal/config"
)

// exitCircuitTripped is the exit status when a batch aborts on consecutive
// failures, distinct from ordinary errors so wrappers can alert on it.
const exitCircuitTripped = 3

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "obit-cli",
	Short: "Multi-source enrichment for deceased public figures",
	Long: `Queries free and paid sources in priority order for evidence about a
deceased public figure, stops early once enough independent source families
agree, and synthesizes a structured cause-of-death or biography record.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func exitCode(err error) int {
	if errors.Is(err, batch.ErrCircuitTripped) {
		return exitCircuitTripped
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
