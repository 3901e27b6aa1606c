package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ggonzalez94/routex/internal/cache"
	"github.com/ggonzalez94/routex/internal/config"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/httpx"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/out"
	"github.com/ggonzalez94/routex/internal/policy"
	"github.com/ggonzalez94/routex/internal/providers/lifi"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/schema"
	"github.com/ggonzalez94/routex/internal/tokens"
	"github.com/ggonzalez94/routex/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr).WithInput(os.Stdin)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		stdin:  strings.NewReader(""),
		now:    time.Now,
	}
}

// WithInput sets where interactive prompts read answers from.
func (r *Runner) WithInput(in io.Reader) *Runner {
	if in != nil {
		r.stdin = in
	}
	return r
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	logger        *zap.Logger
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus

	cache   *cache.Store
	journal *execution.Store
	lifi    *lifi.Client
	clients *evm.Clients
	chains  *registry.Catalog
	tokens  *tokens.Catalog
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop(), chains: registry.DefaultCatalog()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastProviders)
	}
	state.close()
	if err != nil {
		return clierr.ExitCode(err)
	}
	return 0
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.clients != nil {
		s.clients.Close()
	}
	_ = s.logger.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Cross-chain swap quotes and execution",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, err := newLogger(settings.LogLevel, s.runner.stderr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			return s.initServices(path)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newRoutesCommand())
	cmd.AddCommand(s.newStatusCommand())
	cmd.AddCommand(s.newExecuteCommand())
	cmd.AddCommand(s.newHistoryCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// initServices builds the provider client and opens the stores the command
// needs. Nothing here touches the network.
func (s *runtimeState) initServices(path string) error {
	if s.lifi == nil {
		httpClient := httpx.New(s.settings.Timeout, s.settings.Retries).WithLogger(s.logger)
		if s.settings.LiFiAPIKey != "" {
			httpClient = httpClient.WithHeader("x-lifi-api-key", s.settings.LiFiAPIKey)
		}
		s.lifi = lifi.New(httpClient).
			WithBaseURL(s.settings.LiFiBaseURL).
			WithIntegrator(s.settings.LiFiIntegrator).
			WithLogger(s.logger.Named("lifi"))
	}
	if s.clients == nil {
		s.clients = evm.NewClients(s.settings.RPCOverrides, s.logger.Named("evm"))
	}

	if s.settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
		store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		s.cache = store.WithLogger(s.logger.Named("cache"))
	}
	if shouldOpenJournal(path) && s.journal == nil {
		store, err := execution.OpenStore(s.settings.JournalPath, s.settings.JournalLock)
		if err != nil {
			return clierr.Wrap(clierr.CodeInternal, "open execution journal", err)
		}
		s.journal = store.WithLogger(s.logger.Named("journal"))
	}
	if s.tokens == nil {
		s.tokens = tokens.NewCatalog(s.lifi, s.clients, s.logger.Named("tokens")).
			WithCache(s.cache, s.settings.MaxStale, s.settings.NoStale).
			WithChains(s.chains)
	}
	return nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := clierr.Type(clierr.CodeInternal)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		typ = clierr.Type(cErr.Code)
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	s.lastWarnings = append([]string(nil), warnings...)
	s.lastProviders = append([]model.ProviderStatus(nil), providers...)
}

func newRequestID() string {
	return uuid.NewString()
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "chains list", "tokens list", "quote", "routes", "execute":
		return true
	default:
		return false
	}
}

func shouldOpenJournal(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	return path == "execute" || path == "history" || strings.HasPrefix(path, "history ")
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}
