package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mcpserversdk "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskrelay/internal/app"
	"taskrelay/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskrelayd",
	Short: "Task relay scheduler",
	Long: `taskrelayd brokers asynchronous Ask/Answer exchanges between code-agent
executors and a server-side Answer Runner, and runs the Job Manager, Worker
Pool, HTTP Bridge, and MCP Tool Surface that support that exchange.`,
}

func main() {
	cobra.OnInitialize(initViper)
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TASK_RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// resolveConfig implements spec §6's precedence: flags > env > config-dir
// YAML file > built-in defaults.
func resolveConfig(cmd *cobra.Command, configDir string) (*config.Config, error) {
	cfg := config.Default()
	if configDir != "" {
		data, err := os.ReadFile(filepath.Join(configDir, "taskrelay.yaml"))
		if err == nil {
			cfg, err = cfg.FromYAML(data)
			if err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", configDir, err)
		}
	}
	cfg.ConfigDir = configDir

	overlayString(cmd, "profile", &cfg.Profile)
	overlayString(cmd, "storage", &cfg.Storage)
	overlayString(cmd, "sqlite", &cfg.Sqlite)
	overlayString(cmd, "transport", &cfg.Transport)

	// viper.IsSet ignores unchanged flag defaults, so only an env value
	// lands here and the YAML layer is not overwritten by a flag default.
	if !cmd.Flags().Changed("profile") && viper.IsSet("profile") {
		cfg.Profile = viper.GetString("profile")
	}
	if !cmd.Flags().Changed("storage") && viper.IsSet("storage") {
		cfg.Storage = viper.GetString("storage")
	}
	if !cmd.Flags().Changed("sqlite") && viper.IsSet("sqlite") {
		cfg.Sqlite = viper.GetString("sqlite")
	}
	if !cmd.Flags().Changed("transport") && viper.IsSet("transport") {
		cfg.Transport = viper.GetString("transport")
	}

	cfg.AnthropicAPIKey = firstNonEmpty(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("TASK_RELAY_ANTHROPIC_API_KEY"))
	cfg.AnswerRunnerEnabled = cfg.AnthropicAPIKey != ""
	cfg.Facts = config.FactsFromEnv(os.Environ())

	return cfg, nil
}

func overlayString(cmd *cobra.Command, name string, dst *string) {
	if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
		*dst = f.Value.String()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func serveCmd() *cobra.Command {
	var profile, configDir, storage, sqlitePath, transport string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configDir)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			a, err := app.Open(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.HTTP}
			go func() {
				slog.Info("http bridge listening", "addr", cfg.HTTPAddr)
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("http bridge stopped", "err", err)
				}
			}()

			mcpDone := make(chan error, 1)
			go func() {
				slog.Info("mcp tool surface listening", "transport", cfg.Transport)
				mcpDone <- mcpserversdk.ServeStdio(a.MCP)
			}()

			go a.Run(ctx)

			select {
			case <-ctx.Done():
			case err := <-mcpDone:
				if err != nil {
					slog.Error("mcp tool surface stopped", "err", err)
				}
				stop()
			}

			a.Drainer.Drain()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Error("http bridge shutdown", "err", err)
			}
			return a.Close()
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "dev", "deployment profile: dev|staging|prod")
	cmd.Flags().StringVar(&configDir, "config-dir", "", "directory containing taskrelay.yaml")
	cmd.Flags().StringVar(&storage, "storage", "memory", "storage backend: memory|sqlite")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "sqlite database path, required when --storage sqlite")
	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport: stdio")
	_ = viper.BindPFlag("profile", cmd.Flags().Lookup("profile"))
	_ = viper.BindPFlag("storage", cmd.Flags().Lookup("storage"))
	_ = viper.BindPFlag("sqlite", cmd.Flags().Lookup("sqlite"))
	_ = viper.BindPFlag("transport", cmd.Flags().Lookup("transport"))
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect resolved configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskrelay.yaml into --config-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("config: --config-dir is required")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(dir, "taskrelay.yaml")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config: %s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
		},
	}
	cmd.Flags().StringVar(&dir, "config-dir", "", "directory to write taskrelay.yaml into")
	return cmd
}

func configShowCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the fully-resolved configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configDir)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", "", "directory containing taskrelay.yaml")
	return cmd
}
