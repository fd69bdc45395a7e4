package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"artex/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage artex configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (ARTEX_*)
  - Configuration file
  - Default values (lowest priority)`,
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file will be created in the current directory as '.artex.yaml'
unless a different path is specified with the --config flag.`,
	RunE: runConfigInit,
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate a configuration file for syntax errors and invalid values.

This command checks:
  - YAML syntax
  - Required fields
  - Value types and ranges`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

const exampleConfig = `# Artex configuration file
#
# Every option can also be set through environment variables prefixed
# with ARTEX_, for example ARTEX_BASE_URL or ARTEX_FETCH_WORKERS.

# Upstream platform
platform:
  # Base URL of the publishing platform (required)
  base_url: "https://platform.example"

  # User agent string (optional, leave empty for default)
  user_agent: ""

  # Per-request timeout
  request_timeout: 30s

# Rate limiting against the platform API
rate_limit:
  # Requests per minute
  requests_per_minute: 60

  # Burst size (number of requests allowed in burst)
  burst_size: 10

# Fetch pipeline
fetch:
  # Number of concurrent fetch workers
  # Range: 1-10
  workers: 3

  # Maximum attempts per job before it fails
  max_attempts: 3

  # Timeout for a single attempt
  attempt_timeout: 30s

# Egress proxies, tried in order when a resource host blocks direct access
proxy:
  endpoints: []
  # endpoints:
  #   - "http://proxy-1.example:8080"
  #   - "http://proxy-2.example:8080"

# Local cache
storage:
  data_dir: "./data"

# Export output
export:
  output_dir: "./exports"

# Logging
logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log file path (optional, leave empty to log to stderr only)
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = ".artex.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists: %s", configPath)
	}

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}

	fmt.Println("Configuration file created:", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Edit the file and set the platform base URL")
	fmt.Println("2. Run 'artex config validate' to check the configuration")
	fmt.Println("3. Store credentials with 'artex auth login <account>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	fmt.Print(string(data))

	fmt.Println("\nConfiguration sources (in order of priority):")
	fmt.Println("1. Command line flags")
	fmt.Println("2. Environment variables (ARTEX_*)")
	if configFile != "" {
		fmt.Printf("3. Configuration file: %s\n", configFile)
	} else {
		fmt.Println("3. Configuration file: (not specified)")
	}
	fmt.Println("4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configFile, nil); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Println("Configuration is valid")
	return nil
}
