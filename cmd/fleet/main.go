package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mpataki/fleet/internal/config"
	"github.com/mpataki/fleet/internal/fleet"
	"github.com/mpataki/fleet/internal/protocol"
	"github.com/mpataki/fleet/internal/storage"
	"github.com/mpataki/fleet/internal/supervisor"
	"github.com/mpataki/fleet/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Multi-agent session supervisor",
		Long:  "Fleet drives a pool of agent sessions on a single app-server, with dependency-aware scheduling, human approvals, and live status.",
		RunE:  runSupervise,
	}

	rootCmd.Flags().StringArrayP("agent", "a", nil, "Agent prompt; repeat for multiple agents")
	rootCmd.Flags().StringP("fleet", "f", "", "Fleet file (.yaml or .lua) describing the agents")
	rootCmd.Flags().String("server-cmd", "", "Command that launches the app-server")
	rootCmd.Flags().String("cwd", "", "Working directory for agent threads")
	rootCmd.Flags().Bool("review", false, "Spawn reviewer threads to validate each agent output")
	rootCmd.Flags().String("review-template", "", "Template used for reviewer prompts")
	rootCmd.Flags().Int("timeout", 0, "Overall run deadline in seconds; 0 disables")
	rootCmd.Flags().Int("max-parallel", 0, "Cap on concurrently running agents; 0 means all")
	rootCmd.Flags().Bool("plain", false, "Force the line-oriented console front end")

	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newReviewsCommand())
	rootCmd.AddCommand(newLogsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	settings := cfg.Settings
	if v, _ := cmd.Flags().GetString("server-cmd"); v != "" {
		settings.ServerCmd = v
	}
	if v, _ := cmd.Flags().GetString("cwd"); v != "" {
		settings.Cwd = v
	}
	if cmd.Flags().Changed("review") {
		settings.Review, _ = cmd.Flags().GetBool("review")
	}
	if v, _ := cmd.Flags().GetString("review-template"); v != "" {
		settings.ReviewTemplate = v
	}
	if cmd.Flags().Changed("timeout") {
		settings.TimeoutSeconds, _ = cmd.Flags().GetInt("timeout")
	}
	if cmd.Flags().Changed("max-parallel") {
		settings.MaxParallel, _ = cmd.Flags().GetInt("max-parallel")
	}

	specs, err := collectSpecs(cmd)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("provide at least one --agent prompt or a --fleet file")
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	logger, closeLog, err := openLogger(cfg.LogDir)
	if err != nil {
		return err
	}
	defer closeLog()

	client, err := protocol.Start(strings.Fields(settings.ServerCmd), logger)
	if err != nil {
		return fmt.Errorf("failed to start app-server: %w", err)
	}
	defer client.Close()

	if _, err := client.Request("initialize", map[string]any{
		"clientInfo": map[string]any{"name": "fleet", "version": "0.1.0"},
	}, 30*time.Second); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := client.Notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}

	sup := supervisor.New(client, specs, supervisor.Options{
		Cwd:            settings.Cwd,
		Review:         settings.Review,
		ReviewTemplate: settings.ReviewTemplate,
		Timeout:        time.Duration(settings.TimeoutSeconds) * time.Second,
		MaxParallel:    settings.MaxParallel,
		LogDir:         cfg.LogDir,
		Store:          store,
		Logger:         logger,
	})

	plain, _ := cmd.Flags().GetBool("plain")
	tty := isatty.IsTerminal(os.Stdout.Fd())
	if tty && !plain {
		return tui.Run(sup)
	}
	return sup.RunPlain(os.Stdin, os.Stdout, tty)
}

// collectSpecs merges the fleet file's entries with any --agent prompts, in
// that order, numbering agents from 1.
func collectSpecs(cmd *cobra.Command) ([]*supervisor.AgentSpec, error) {
	var specs []*supervisor.AgentSpec

	if path, _ := cmd.Flags().GetString("fleet"); path != "" {
		entries, err := fleet.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load fleet file: %w", err)
		}
		for _, entry := range entries {
			spec := supervisor.SpecFromPrompt(len(specs)+1, entry.Prompt)
			if entry.Name != "" {
				spec.Name = entry.Name
			}
			if entry.Wait != nil {
				spec.Wait = entry.Wait
			}
			spec.Deps = append(spec.Deps, entry.After...)
			specs = append(specs, spec)
		}
	}

	prompts, _ := cmd.Flags().GetStringArray("agent")
	for _, prompt := range prompts {
		specs = append(specs, supervisor.SpecFromPrompt(len(specs)+1, prompt))
	}
	return specs, nil
}

// openLogger writes structured diagnostics to a file so they never fight
// the interactive display for the terminal.
func openLogger(logDir string) (*slog.Logger, func(), error) {
	path := filepath.Join(logDir, "fleet.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, nil))
	return logger, func() { f.Close() }, nil
}

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			sessions, err := store.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions recorded.")
				return nil
			}
			for _, sess := range sessions {
				label := fmt.Sprintf("#%d agent %d", sess.ID, sess.AgentIndex)
				if sess.Name != "" {
					label += " (" + sess.Name + ")"
				}
				fmt.Printf("%s [%s] turns=%d thread=%s\n", label, sess.Status, sess.TurnCount, sess.ThreadID)
				fmt.Printf("  prompt: %s\n", truncate(sess.Prompt, 70))
				if sess.LastMessage != "" {
					fmt.Printf("  last: %s\n", truncate(sess.LastMessage, 70))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of sessions to list")
	return cmd
}

func newReviewsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "List saved review artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			reviews, err := store.ListReviews(limit)
			if err != nil {
				return err
			}
			if len(reviews) == 0 {
				fmt.Println("No reviews recorded.")
				return nil
			}
			for _, review := range reviews {
				fmt.Printf("#%d thread=%s review=%s\n", review.ID, review.ThreadID, review.ReviewID)
				if review.Label != "" {
					fmt.Printf("  label: %s\n", review.Label)
				}
				fmt.Printf("  file: %s\n", review.Path)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of reviews to list")
	return cmd
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show where activity logs and review artifacts live",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			fmt.Println(cfg.LogDir)
			entries, err := os.ReadDir(cfg.LogDir)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			for _, entry := range entries {
				fmt.Printf("  %s\n", entry.Name())
			}
			return nil
		},
	}
}

func openStore() (*storage.Storage, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, err
	}
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
