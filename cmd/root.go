package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/hound/internal/engine"
	"github.com/joescharf/hound/internal/invoke"
	"github.com/joescharf/hound/internal/output"
	"github.com/joescharf/hound/internal/pipeline"
	"github.com/joescharf/hound/internal/retry"
	"github.com/joescharf/hound/internal/vcs"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	logger *slog.Logger
	eng    *engine.Engine

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "hound",
	Short: "Checkpointed multi-agent security assessment pipeline",
	Long: `hound drives a multi-phase pipeline of AI agents against a web target
and its source checkout: reconnaissance, parallel vulnerability analysis,
parallel exploitation and reporting.

Every agent attempt is checkpointed in the repository and journaled in an
append-only audit log, so an interrupted run can be continued, retried,
re-run or rolled back.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if eng != nil {
		_ = eng.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/hound/config.yaml)")
}

func initConfig() {
	// .env in the working directory, if any.
	_ = godotenv.Load()

	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "hound")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("HOUND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key's default via viper.SetDefault().
func setDefaults() {
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "hound")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "hound.db"))
	viper.SetDefault("pipeline_file", "")
	viper.SetDefault("prompts_dir", "")
	viper.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	viper.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	viper.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	viper.SetDefault("batch.stagger", 2*time.Second)
	viper.SetDefault("lock.timeout", 30*time.Second)
	viper.SetDefault("agent.timeout", 30*time.Minute)
	viper.SetDefault("agent.provider", "command")
	viper.SetDefault("agent.command", "")
	viper.SetDefault("agent.args", []string{})
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-sonnet-4-5")
	viper.SetDefault("anthropic.max_tokens", 16000)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// The engine is opened lazily so config/version run without a db.
}

// getEngine returns the shared engine, opening it on first call.
func getEngine() (*engine.Engine, error) {
	if eng != nil {
		return eng, nil
	}
	inv, err := newInvoker()
	if err != nil {
		return nil, err
	}
	e, err := openEngine(inv)
	if err != nil {
		return nil, err
	}
	eng = e
	return eng, nil
}

func openEngine(inv invoke.Invoker) (*engine.Engine, error) {
	p, err := pipeline.Load(viper.GetString("pipeline_file"))
	if err != nil {
		return nil, err
	}
	e, err := engine.Open(rootContext(), engine.Config{
		StateDir: viper.GetString("state_dir"),
		DBPath:   viper.GetString("db_path"),
		Pipeline: p,
		VCS:      vcs.NewGit(),
		Invoker:  inv,
		Policy: retry.NewPolicy(
			viper.GetInt("retry.max_attempts"),
			viper.GetDuration("retry.base_delay"),
			viper.GetDuration("retry.max_delay"),
		),
		Logger:         logger,
		LockTimeout:    viper.GetDuration("lock.timeout"),
		AttemptTimeout: viper.GetDuration("agent.timeout"),
		Stagger:        viper.GetDuration("batch.stagger"),
	})
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return e, nil
}

// newInvoker builds the agent invoker selected by agent.provider.
func newInvoker() (invoke.Invoker, error) {
	prompts := invoke.Prompts{Dir: viper.GetString("prompts_dir")}
	switch provider := viper.GetString("agent.provider"); provider {
	case "command", "":
		return &invoke.Command{
			Path:    viper.GetString("agent.command"),
			Args:    viper.GetStringSlice("agent.args"),
			Prompts: prompts,
		}, nil
	case "anthropic":
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic.api_key is not set (config, HOUND_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY)")
		}
		return invoke.NewAnthropic(key, viper.GetString("anthropic.model"), viper.GetInt64("anthropic.max_tokens"), prompts), nil
	default:
		return nil, fmt.Errorf("unknown agent.provider %q (want command or anthropic)", provider)
	}
}
