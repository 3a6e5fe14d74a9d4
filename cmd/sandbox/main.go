package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/slicework/sandbox"
	"github.com/slicework/sandbox/internal/ring"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "sandbox",
		Short: "Distributed compute sandbox",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	root.AddCommand(runCmd())
	root.AddCommand(probeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// fileConfig is the YAML shape of the config file. Zero values fall back to
// the built-in defaults.
type fileConfig struct {
	SupervisorURL      string `yaml:"supervisorUrl"`
	MemoryLimitMB      int    `yaml:"memoryLimitMb"`
	SliceTimeoutMs     int    `yaml:"sliceTimeoutMs"`
	ProgressThrottleMs int    `yaml:"progressThrottleMs"`
	MaxScriptSizeKB    int    `yaml:"maxScriptSizeKb"`
	BundleCachePath    string `yaml:"bundleCachePath"`
	UserAgent          string `yaml:"userAgent"`
}

func loadConfig(path string) (sandbox.Config, string, error) {
	cfg := sandbox.DefaultConfig()
	if path == "" {
		return cfg, "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, "", fmt.Errorf("parsing config: %w", err)
	}
	if fc.MemoryLimitMB > 0 {
		cfg.MemoryLimitMB = fc.MemoryLimitMB
	}
	if fc.SliceTimeoutMs > 0 {
		cfg.SliceTimeout = fc.SliceTimeoutMs
	}
	if fc.ProgressThrottleMs > 0 {
		cfg.ProgressThrottle = fc.ProgressThrottleMs
	}
	if fc.MaxScriptSizeKB > 0 {
		cfg.MaxScriptSizeKB = fc.MaxScriptSizeKB
	}
	if fc.BundleCachePath != "" {
		cfg.BundleCachePath = fc.BundleCachePath
	}
	if fc.UserAgent != "" {
		cfg.IdentityUserAgent = fc.UserAgent
	}
	return cfg, fc.SupervisorURL, nil
}

func runCmd() *cobra.Command {
	var supervisorURL string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a supervisor and serve slices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgURL, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if supervisorURL == "" {
				supervisorURL = cfgURL
			}
			if supervisorURL == "" {
				return fmt.Errorf("no supervisor URL (use --supervisor or the config file)")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			ch, err := sandbox.DialSupervisor(ctx, supervisorURL)
			if err != nil {
				return err
			}
			defer ch.Close()

			sb, err := sandbox.New(cfg, ch.Transmit(ctx))
			if err != nil {
				return fmt.Errorf("bringing up sandbox: %w", err)
			}
			defer sb.Close()

			inbox := &ring.Inbox{}
			sb.Bind(inbox)
			return ch.Run(ctx, inbox)
		},
	}
	cmd.Flags().StringVar(&supervisorURL, "supervisor", "", "supervisor websocket URL")
	return cmd
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Print the engine capability snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			sb, err := sandbox.New(cfg, func(sandbox.RingMessage) {})
			if err != nil {
				return fmt.Errorf("bringing up sandbox: %w", err)
			}
			defer sb.Close()

			out, err := json.MarshalIndent(sb.Capabilities(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
