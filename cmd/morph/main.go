// morph is a self-modifying agent core: it accepts structured commands
// that can replace its own live modules, gated by authentication,
// policy-driven confirmation, validation, and backup-before-apply.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"morph/internal/auth"
	"morph/internal/config"
	"morph/internal/logging"
	"morph/internal/orchestrator"
)

var (
	// Global flags
	verbose   bool
	workspace string
	apiKey    string
	assumeYes bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "morph",
	Short: "morph - self-modifying agent core",
	Long: `morph runs a pipeline that can replace its own live modules at runtime.

Every update is authenticated, optionally gated on human confirmation,
staged, validated in a sandbox, and snapshotted before it is applied,
with the full lifecycle recorded in an append-only audit log.

Run without arguments to start the interactive command loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Category logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive()
	},
}

// applyCmd submits a single apply_update command
var applyCmd = &cobra.Command{
	Use:   "apply [module] [source-file]",
	Short: "Stage, validate, back up, and apply a candidate module source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading candidate source: %w", err)
		}
		return submitOnce(orchestrator.CmdApplyUpdate, map[string]string{
			"module": args[0],
			"source": string(source),
		})
	},
}

// rollbackCmd restores a module from a backup snapshot
var rollbackCmd = &cobra.Command{
	Use:   "rollback [module] [version]",
	Short: "Restore a module from a backup snapshot (latest if no version given)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]string{"module": args[0]}
		if len(args) == 2 {
			params["version"] = args[1]
		}
		return submitOnce(orchestrator.CmdRollbackUpdate, params)
	},
}

// execCmd evaluates a snippet in the sandbox
var execCmd = &cobra.Command{
	Use:   "exec [code]",
	Short: "Evaluate a Go snippet in the sandboxed interpreter",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitOnce(orchestrator.CmdExecuteCode, map[string]string{
			"code": strings.Join(args, " "),
		})
	},
}

var historyLimit int

// historyCmd lists recent command records from the audit log
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent command records from the audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitOnce(orchestrator.CmdHistory, map[string]string{
			"limit": fmt.Sprintf("%d", historyLimit),
		})
	},
}

// hashKeyCmd prints the hash to store in MORPH_ADMIN_KEY_HASH
var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Print the credential hash for MORPH_ADMIN_KEY_HASH",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.HashKey(args[0]))
	},
}

// initCmd writes a default workspace configuration
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration into the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		path := config.WorkspacePath(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		logger.Info("Workspace initialized", zap.String("config", path))
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "key", "k", os.Getenv("MORPH_ADMIN_KEY"), "administrative credential")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "grant confirmation prompts without asking")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum records to list")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
