package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ggonzalez94/planexec/internal/api"
	"github.com/ggonzalez94/planexec/internal/config"
	"github.com/ggonzalez94/planexec/internal/engine"
	perr "github.com/ggonzalez94/planexec/internal/errors"
	"github.com/ggonzalez94/planexec/internal/history"
	"github.com/ggonzalez94/planexec/internal/httpx"
	"github.com/ggonzalez94/planexec/internal/plan"
	"github.com/ggonzalez94/planexec/internal/status"
	"github.com/ggonzalez94/planexec/internal/version"
	"github.com/ggonzalez94/planexec/internal/wallet/ethwallet"
	"github.com/ggonzalez94/planexec/internal/wallet/signer"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command
	log      *zap.Logger
	history  *history.Store
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	if state.history != nil {
		_ = state.history.Close()
	}
	if err == nil {
		return 0
	}
	state.renderError(err)
	return perr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Execution-plan runner for solver-quoted swaps and bridges",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			if cmd.Flags().Changed("max-polling-attempts") && s.flags.MaxPollingAttempts >= 0 {
				s.flags.HasMaxPollAttempts = true
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return perr.Wrap(perr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			if s.log == nil {
				logger, err := newLogger(s.runner.stderr)
				if err != nil {
					return perr.Wrap(perr.CodeInternal, "build logger", err)
				}
				s.log = logger
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return perr.Wrap(perr.CodeUsage, "parse flags", err)
	})

	s.registerGlobalFlags(cmd.PersistentFlags())

	cmd.AddCommand(s.newExecuteCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newVersionCommand())
	return cmd
}

func (s *runtimeState) registerGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	fs.StringVar(&s.flags.BackendURL, "backend-url", "", "Solver backend base URL")
	fs.StringVar(&s.flags.Timeout, "timeout", "", "Backend request timeout")
	fs.IntVar(&s.flags.Retries, "retries", -1, "Retries per backend request")
	fs.StringVar(&s.flags.PollingInterval, "polling-interval", "", "Status polling interval")
	fs.IntVar(&s.flags.MaxPollingAttempts, "max-polling-attempts", -1, "Status polling attempt ceiling")
	fs.BoolVar(&s.flags.NoGasFeeEstimations, "no-gas-estimations", false, "Skip seeding fees from gas estimations")
	fs.StringVar(&s.flags.WebSocketURL, "websocket-url", "", "Push status channel URL")
	fs.BoolVar(&s.flags.NoWebSocket, "no-websocket", false, "Disable the push status channel")
	fs.BoolVar(&s.flags.NoHistory, "no-history", false, "Skip writing the execution journal")
	fs.StringVar(&s.flags.KeySource, "key-source", "", "Signing key source (auto|env|file|keystore)")
}

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var (
		chainID      int64
		planFile     string
		planEndpoint string
		planMethod   string
		planBody     string
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run an execution plan to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chainID == 0 {
				return perr.New(perr.CodeUsage, "--chain is required")
			}
			var p *plan.Plan
			if strings.TrimSpace(planFile) != "" {
				loaded, err := readPlanFile(planFile)
				if err != nil {
					return err
				}
				p = loaded
			} else if strings.TrimSpace(planEndpoint) == "" {
				return perr.New(perr.CodeUsage, "either a plan file or --endpoint is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.runExecute(ctx, chainID, api.PlanRequest{
				Method:   planMethod,
				Endpoint: planEndpoint,
				Body:     bodyOrNil(planBody),
			}, p)
		},
	}
	cmd.Flags().Int64Var(&chainID, "chain", 0, "Chain id the plan executes on")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "Path to a plan JSON document")
	cmd.Flags().StringVar(&planEndpoint, "endpoint", "", "Backend endpoint that returns the plan")
	cmd.Flags().StringVar(&planMethod, "method", "POST", "HTTP method for the plan endpoint")
	cmd.Flags().StringVar(&planBody, "body", "", "JSON body for the plan request")
	return cmd
}

func (s *runtimeState) runExecute(ctx context.Context, chainID int64, req api.PlanRequest, p *plan.Plan) error {
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	backend := api.New(httpClient, s.settings.BackendURL)
	resolver := &status.Resolver{
		API:          backend,
		PollInterval: s.settings.PollingInterval,
		MaxAttempts:  s.settings.MaxPollingAttempts,
		HasMax:       s.settings.HasMaxPollAttempts,
		SettleDelay:  status.DefaultSettleDelay,
		Log:          s.log,
	}
	if s.settings.WebSocketEnabled {
		resolver.WebSocketURL = s.settings.WebSocketURL
	}

	eng, err := engine.New(engine.Config{
		Chains:               s.settings.ChainNames(),
		API:                  backend,
		Resolver:             resolver,
		Logger:               s.log,
		UseGasFeeEstimations: s.settings.UseGasFeeEstimations,
	})
	if err != nil {
		return err
	}

	txSigner, err := signer.NewLocalSignerFromEnv(s.settings.KeySource)
	if err != nil {
		return perr.Wrap(perr.CodeUsage, "load signing key", err)
	}
	rpcURLs := s.settings.RPCURLs()
	if _, ok := rpcURLs[chainID]; !ok {
		return perr.New(perr.CodeUsage, fmt.Sprintf("no rpc url configured for chain %d", chainID))
	}
	w, err := ethwallet.New(txSigner, rpcURLs, chainID, ethwallet.Options{Logger: s.log})
	if err != nil {
		return err
	}
	defer w.Close()

	startedAt := s.runner.now().UTC().Format(time.RFC3339)
	result, execErr := eng.Execute(ctx, chainID, req, w, s.renderProgress, p, nil)
	s.recordHistory(chainID, result, execErr, startedAt)
	if execErr != nil {
		if result != nil {
			s.renderPlan(result)
		}
		return execErr
	}
	s.renderPlan(result)
	return nil
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	var (
		endpoint string
		method   string
		chainID  int64
		txHash   string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Resolve a status-check endpoint once or to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(endpoint) == "" {
				return perr.New(perr.CodeUsage, "--endpoint is required")
			}
			httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
			backend := api.New(httpClient, s.settings.BackendURL)
			resolver := &status.Resolver{
				API:          backend,
				PollInterval: s.settings.PollingInterval,
				MaxAttempts:  s.settings.MaxPollingAttempts,
				HasMax:       s.settings.HasMaxPollAttempts,
				Log:          s.log,
			}
			res, err := resolver.Resolve(cmd.Context(), status.Query{
				Check:   &plan.Check{Endpoint: endpoint, Method: method},
				ChainID: chainID,
				TxHash:  txHash,
			})
			if err != nil {
				return err
			}
			return writeJSON(s.runner.stdout, res)
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Status check endpoint")
	cmd.Flags().StringVar(&method, "method", "GET", "Status check HTTP method")
	cmd.Flags().Int64Var(&chainID, "chain", 0, "Ambient chain id for hash mapping")
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "Origin transaction hash (for timeout reporting)")
	return cmd
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List configured chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(s.runner.stdout, s.settings.Chains)
		},
	}
}

func (s *runtimeState) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(s.runner.stdout, version.Long())
			return err
		},
	}
}

func (s *runtimeState) recordHistory(chainID int64, result *plan.Plan, execErr error, startedAt string) {
	if !s.settings.HistoryEnabled || result == nil {
		return
	}
	if s.history == nil {
		store, err := history.Open(s.settings.HistoryPath, s.settings.HistoryLockPath)
		if err != nil {
			s.log.Warn("open execution journal failed", zap.Error(err))
			return
		}
		s.history = store
	}
	rec := history.Record{
		ExecutionID: newExecutionID(),
		ChainID:     chainID,
		Status:      history.RecordStatusCompleted,
		StartedAt:   startedAt,
		FinishedAt:  s.runner.now().UTC().Format(time.RFC3339),
		Steps:       plan.Snapshot(result.Steps),
	}
	if execErr != nil {
		rec.Status = history.RecordStatusFailed
		rec.Error = execErr.Error()
	}
	for _, step := range result.Steps {
		for _, item := range step.Items {
			rec.TxHashes = append(rec.TxHashes, item.TxHashes...)
		}
	}
	if err := s.history.Save(rec); err != nil {
		s.log.Warn("write execution journal failed", zap.Error(err))
	}
}

func readPlanFile(path string) (*plan.Plan, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(perr.CodeUsage, "read plan file", err)
	}
	var p plan.Plan
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, perr.Wrap(perr.CodeUsage, "parse plan file", err)
	}
	return &p, nil
}

func bodyOrNil(body string) json.RawMessage {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	return json.RawMessage(body)
}

func newExecutionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("exec-%d", time.Now().UnixNano())
	}
	return "exec-" + hex.EncodeToString(buf)
}
