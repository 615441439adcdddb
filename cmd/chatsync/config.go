package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print config.toml as stored, without defaults or env overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change chatsync settings",
	Long: `Settings live in ~/.chatsync/config.toml (CHATSYNC_HOME moves the directory).
Every key can be overridden per shell with an environment variable or a .env
file: auth.token becomes CHATSYNC_AUTH_TOKEN, default.base_url becomes
CHATSYNC_DEFAULT_BASE_URL.`,
}

// envKey returns the environment variable that overrides key.
func envKey(key string) string {
	return "CHATSYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configValues flattens cfg into the dot-notation keys of configKeys.
func configValues(cfg *Config) map[string]string {
	return map[string]string{
		"default.base_url":  cfg.Default.BaseURL,
		"default.log_level": cfg.Default.LogLevel,
		"auth.token":        cfg.Auth.Token,
		"auth.user_id":      cfg.Auth.UserID,
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the settings chatsync will use and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}

		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Printf("%s does not exist yet. Run 'chatsync init <token> --user <id>'.\n", path)
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		stored, err := loadConfig()
		if err != nil {
			return err
		}
		resolved, err := resolveConfig()
		if err != nil {
			return err
		}
		fileValues, values := configValues(stored), configValues(resolved)

		fmt.Printf("Config file: %s\n\n", path)
		for _, key := range configKeys {
			val := values[key]
			if key == "auth.token" {
				val = maskToken(val)
			}
			fmt.Printf("%-18s %-28s %s\n", key, valueOrDefault(val, "(not set)"), valueSource(key, fileValues[key]))
		}
		return nil
	},
}

// valueSource names the layer a resolved value came from.
func valueSource(key, fileValue string) string {
	if _, ok := os.LookupEnv(envKey(key)); ok {
		return "env " + envKey(key)
	}
	if fileValue != "" {
		return "file"
	}
	return "default"
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting in config.toml",
	Long: "Store a setting using dot notation. Keys: " + strings.Join(configKeys, ", ") + ".\n" +
		"Example: chatsync config set default.base_url http://localhost:8080",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := checkConfigValue(key, value); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, shown)
		if _, ok := os.LookupEnv(envKey(key)); ok {
			fmt.Printf("Note: %s is set and takes precedence in this shell.\n", envKey(key))
		}
		return nil
	},
}

// checkConfigValue rejects values chatsync could not use.
func checkConfigValue(key, value string) error {
	switch key {
	case "default.base_url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an http(s) URL, got %q", value)
		}
	case "default.log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error", "off", "none", "disabled":
		default:
			return fmt.Errorf("unknown log level %q (debug, info, warn, error, off)", value)
		}
	}
	return nil
}
