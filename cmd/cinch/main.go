// Command cinch runs an agent against the current workspace.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/cinch/agentloop"
	"github.com/martinemde/cinch/session"
)

var (
	// Global flags
	verbose    bool
	configPath string
	sessionDir string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "cinch",
	Short: "Run an LLM agent with tools against the current workspace",
	Long: `cinch sends a task to a language model, executes the tools it asks for
and feeds the results back until the model answers.

Runs are checkpointed after every round and can be resumed by trace id.
Provider keys are read from ANTHROPIC_API_KEY, OPENAI_API_KEY,
OPENROUTER_API_KEY, GROQ_API_KEY and MISTRAL_API_KEY. Settings come from
--config and CINCH_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&sessionDir, "session-dir", "", "Directory holding session manifests and checkpoints (default ~/.cinch/sessions)")

	rootCmd.AddCommand(runCmd, resumeCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sessionsRoot resolves the sessions directory from the flag, the config and
// the home directory, in that order.
func sessionsRoot(cfg agentloop.HarnessConfig) (string, error) {
	switch {
	case sessionDir != "":
		return sessionDir, nil
	case cfg.SessionDir != "":
		return cfg.SessionDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".cinch", "sessions"), nil
}

func openSessions(cfg agentloop.HarnessConfig) (*session.Manager, error) {
	root, err := sessionsRoot(cfg)
	if err != nil {
		return nil, err
	}
	return session.NewManager(root, session.WithLogger(logger))
}
