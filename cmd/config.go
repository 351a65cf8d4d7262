package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "hound"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage hound configuration.

Running bare 'hound config' is the same as 'hound config show'.
Every key can also be set through an environment variable: HOUND_ followed
by the key in upper case with dots replaced by underscores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# hound configuration
# See: hound config show (for effective values and sources)

# State directory holding audit logs and run locks (default: ~/.config/hound)
# state_dir: {{ .StateDir }}

# SQLite session store path (default: ~/.config/hound/hound.db)
# db_path: {{ .DBPath }}

# Pipeline definition (YAML). Empty uses the built-in pipeline.
pipeline_file: "{{ .PipelineFile }}"

# Directory of <prompt>.md files referenced by the pipeline
prompts_dir: "{{ .PromptsDir }}"

# Retry policy for failed agent attempts
retry:
  max_attempts: {{ .RetryMaxAttempts }}
  base_delay: {{ .RetryBaseDelay }}
  max_delay: {{ .RetryMaxDelay }}

# Delay between launching members of a parallel batch
batch:
  stagger: {{ .BatchStagger }}

# How long a command waits for another writer of the same session
lock:
  timeout: {{ .LockTimeout }}

# Agent invocation
agent:
  # "command" runs agent.command per attempt; "anthropic" calls the Messages API
  provider: "{{ .AgentProvider }}"
  command: "{{ .AgentCommand }}"
  # Upper bound for a single attempt
  timeout: {{ .AgentTimeout }}

anthropic:
  # Prefer HOUND_ANTHROPIC_API_KEY or a .env file over storing the key here
  api_key: ""
  model: "{{ .AnthropicModel }}"
  max_tokens: {{ .AnthropicMaxTokens }}
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	PipelineFile       string
	PromptsDir         string
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	BatchStagger       time.Duration
	LockTimeout        time.Duration
	AgentProvider      string
	AgentCommand       string
	AgentTimeout       time.Duration
	AnthropicModel     string
	AnthropicMaxTokens int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		PipelineFile:       viper.GetString("pipeline_file"),
		PromptsDir:         viper.GetString("prompts_dir"),
		RetryMaxAttempts:   viper.GetInt("retry.max_attempts"),
		RetryBaseDelay:     viper.GetDuration("retry.base_delay"),
		RetryMaxDelay:      viper.GetDuration("retry.max_delay"),
		BatchStagger:       viper.GetDuration("batch.stagger"),
		LockTimeout:        viper.GetDuration("lock.timeout"),
		AgentProvider:      viper.GetString("agent.provider"),
		AgentCommand:       viper.GetString("agent.command"),
		AgentTimeout:       viper.GetDuration("agent.timeout"),
		AnthropicModel:     viper.GetString("anthropic.model"),
		AnthropicMaxTokens: viper.GetInt("anthropic.max_tokens"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "HOUND_STATE_DIR"},
	{Key: "db_path", EnvVar: "HOUND_DB_PATH"},
	{Key: "pipeline_file", EnvVar: "HOUND_PIPELINE_FILE"},
	{Key: "prompts_dir", EnvVar: "HOUND_PROMPTS_DIR"},
	{Key: "retry.max_attempts", EnvVar: "HOUND_RETRY_MAX_ATTEMPTS"},
	{Key: "retry.base_delay", EnvVar: "HOUND_RETRY_BASE_DELAY"},
	{Key: "retry.max_delay", EnvVar: "HOUND_RETRY_MAX_DELAY"},
	{Key: "batch.stagger", EnvVar: "HOUND_BATCH_STAGGER"},
	{Key: "lock.timeout", EnvVar: "HOUND_LOCK_TIMEOUT"},
	{Key: "agent.provider", EnvVar: "HOUND_AGENT_PROVIDER"},
	{Key: "agent.command", EnvVar: "HOUND_AGENT_COMMAND"},
	{Key: "agent.timeout", EnvVar: "HOUND_AGENT_TIMEOUT"},
	{Key: "anthropic.api_key", EnvVar: "HOUND_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "HOUND_ANTHROPIC_MODEL"},
	{Key: "anthropic.max_tokens", EnvVar: "HOUND_ANTHROPIC_MAX_TOKENS"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret {
			val = maskSecret(viper.GetString(k.Key))
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'hound config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
