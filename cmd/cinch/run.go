package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/cinch/agentloop"
	"github.com/martinemde/cinch/contextmgr"
	"github.com/martinemde/cinch/session"
	"github.com/martinemde/cinch/toolexec"
	"github.com/martinemde/cinch/unifiedllm"
)

var (
	// run flags
	model       string
	maxRounds   int
	stream      bool
	planFirst   bool
	autoApprove bool
	workDir     string
	sqlitePath  string
	calibrate   bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent on a task",
	Long: `Run the agent on a task until it answers, reaches the round limit or
is interrupted. Use "-" as the prompt to read it from stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [trace-id]",
	Short: "Resume a run from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeAgent,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().StringVarP(&model, "model", "m", "", "Model to use (overrides the config)")
		cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Round limit (overrides the config)")
		cmd.Flags().BoolVar(&stream, "stream", false, "Stream model output")
		cmd.Flags().BoolVarP(&autoApprove, "approve", "y", false, "Approve gated tool calls without asking")
		cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "Workspace directory (default: current directory)")
		cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Keep checkpoints in this SQLite database instead of the session directory")
	}
	runCmd.Flags().BoolVar(&planFirst, "plan", false, "Plan with read-only tools before executing")
	runCmd.Flags().BoolVar(&calibrate, "calibrate", false, "Calibrate token estimates with a BPE tokenizer before running")
}

func runAgent(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	env := agentloop.NewLocalExecutionEnvironment(workDir)
	if calibrate {
		samples := []string{prompt, agentloop.BuildSystemPrompt(env, cfg.Model, cfg.Memory, cfg.SystemPrompt)}
		ratio, err := contextmgr.CalibrateCharsPerToken(contextmgr.DefaultEncoding, samples)
		if err != nil {
			logger.Warn("token calibration failed", zap.Error(err))
		}
		cfg.CharsPerToken = ratio
		logger.Debug("calibrated token estimate", zap.Float64("chars_per_token", ratio))
	}

	h, cleanup, err := newHarness(cfg, env)
	if err != nil {
		return err
	}
	defer cleanup()

	return execute(cmd, h, cfg, func(ctx context.Context) (*agentloop.Result, error) {
		return h.Run(ctx, prompt)
	})
}

func resumeAgent(cmd *cobra.Command, args []string) error {
	traceID := args[0]
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	env := agentloop.NewLocalExecutionEnvironment(workDir)
	h, cleanup, err := newHarness(cfg, env, agentloop.WithTraceID(traceID))
	if err != nil {
		return err
	}
	defer cleanup()

	cp, err := h.LatestCheckpoint()
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", traceID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "resuming %s at round %d\n", traceID, cp.Round)
	return execute(cmd, h, cfg, func(ctx context.Context) (*agentloop.Result, error) {
		return h.Resume(ctx, cp)
	})
}

// loadRunConfig reads the config file and environment, then applies the
// flags that were set explicitly.
func loadRunConfig(cmd *cobra.Command) (agentloop.HarnessConfig, error) {
	cfg, err := agentloop.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = model
	}
	if flags.Changed("max-rounds") {
		cfg.MaxRounds = maxRounds
	}
	if flags.Changed("stream") {
		cfg.Stream = stream
	}
	if flags.Changed("plan") {
		cfg.Plan.Enabled = planFirst
	}
	if sessionDir != "" {
		cfg.SessionDir = sessionDir
	}
	if cfg.CheckpointEnabled && cfg.SessionDir == "" {
		if cfg.SessionDir, err = sessionsRoot(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// newHarness wires a client, the core tools and checkpoint storage into a
// Harness. cleanup closes what was opened.
func newHarness(cfg agentloop.HarnessConfig, env agentloop.ExecutionEnvironment, extra ...agentloop.Option) (*agentloop.Harness, func(), error) {
	client := unifiedllm.NewClientFromEnv(
		unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(logger)),
	)
	closers := []func() error{client.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}

	reg := toolexec.NewRegistry()
	agentloop.RegisterCoreTools(reg, env)

	opts := []agentloop.Option{
		agentloop.WithEnvironment(env),
		agentloop.WithLogger(logger),
	}
	if cfg.SessionDir != "" {
		mgr, err := openSessions(cfg)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, agentloop.WithSessionManager(mgr))
	}
	if sqlitePath != "" {
		store, err := session.NewSQLiteStore(sqlitePath)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, store.Close)
		opts = append(opts, agentloop.WithStore(store))
	}
	opts = append(opts, extra...)

	h, err := agentloop.NewHarness(client, reg, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return h, cleanup, nil
}

// execute runs fn with interrupt handling while rendering events, then
// prints the final answer and a cost summary.
func execute(cmd *cobra.Command, h *agentloop.Harness, cfg agentloop.HarnessConfig, fn func(context.Context) (*agentloop.Result, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	r := newRenderer(out, cmd.InOrStdin(), h)
	r.streaming = cfg.Stream
	r.autoApprove = autoApprove
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.consume(h.Events())
	}()

	res, err := fn(ctx)
	if res == nil {
		return err
	}
	<-done
	printSummary(out, res)
	if res.Outcome == agentloop.OutcomeFailed {
		return res.Err
	}
	return nil
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		args = []string{string(data)}
	}
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return "", errors.New("prompt is empty")
	}
	return prompt, nil
}
