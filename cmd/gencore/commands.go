package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/gencore/internal/api"
	"github.com/kalambet/gencore/internal/config"
	"github.com/kalambet/gencore/internal/llm"
	"github.com/kalambet/gencore/internal/nostr"
	"github.com/kalambet/gencore/internal/orchestrator"
	"github.com/kalambet/gencore/internal/provider"
	"github.com/kalambet/gencore/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <prompt...>",
	Short: "Generate a reply to a prompt",
	Long: `Generate a reply to a prompt. Providers are tried in plan order with
retries and fallback until one answers.

Examples:
  gencore ask "Summarize NIP-90 in one sentence"
  gencore ask --provider dvm --max-tokens 200 "Write a haiku about relays"
  gencore ask --server --system "Answer in French" "What is a relay?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prov, _ := cmd.Flags().GetString("provider")
		system, _ := cmd.Flags().GetString("system")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		noStream, _ := cmd.Flags().GetBool("no-stream")
		viaServer, _ := cmd.Flags().GetBool("server")

		var temp *float64
		if cmd.Flags().Changed("temperature") {
			t, _ := cmd.Flags().GetFloat64("temperature")
			temp = &t
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		prompt := strings.Join(args, " ")
		out := cmd.OutOrStdout()

		if viaServer {
			body := chatBody{
				Model:       prov,
				Stream:      !noStream,
				Temperature: temp,
				MaxTokens:   maxTokens,
			}
			if system != "" {
				body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
			}
			body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt})
			err = newAPIClient(cfg).chat(ctx, body, out)
		} else {
			req := orchestrator.Request{
				PreferredProvider: prov,
				Options:           llm.Options{Temperature: temp, MaxTokens: maxTokens},
			}
			if system != "" {
				req.Messages = append(req.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})

			var st *stack
			st, err = newStack(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			st.start(ctx, false)
			err = ask(ctx, st.orch, req, !noStream, out)
		}
		fmt.Fprintln(out)
		return err
	},
}

func init() {
	askCmd.Flags().StringP("provider", "p", "", "preferred provider key")
	askCmd.Flags().StringP("system", "s", "", "system instruction")
	askCmd.Flags().Int("max-tokens", 0, "maximum tokens to generate")
	askCmd.Flags().Float64("temperature", 0, "sampling temperature")
	askCmd.Flags().Bool("no-stream", false, "wait for the full reply instead of streaming")
	askCmd.Flags().Bool("server", false, "send the request to the running gateway")
}

// ask writes the reply to req to w. A cancelled ctx ends output silently.
func ask(ctx context.Context, g api.Generator, req orchestrator.Request, stream bool, w io.Writer) error {
	if !stream {
		chunk, err := g.Generate(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_, err = io.WriteString(w, chunk.Text())
		return err
	}

	s, err := g.StreamConversation(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, chunk.Text()); err != nil {
			return err
		}
	}
}

// --- providers ---

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and the default retry plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		providers, err := config.LoadProviders(cfg, nil)
		if err != nil {
			return err
		}
		return renderProviders(cmd.OutOrStdout(), cfg, providers.List())
	},
}

func renderProviders(w io.Writer, cfg config.Config, descs []provider.Descriptor) error {
	table := newTable("KEY", "NAME", "KIND", "MODEL", "ENABLED", "STREAMING", "STRUCTURED", "ATTEMPTS", "TIMEOUT")
	for _, d := range descs {
		attempts := "default"
		if d.Attempts > 0 {
			attempts = fmt.Sprint(d.Attempts)
		}
		timeout := "-"
		if d.Timeout > 0 {
			timeout = d.Timeout.String()
		}
		table.AddRow(d.Key, d.DisplayName(), d.Kind, orDash(d.Model), yesNo(d.Enabled),
			yesNo(d.Capabilities.Streaming), yesNo(d.Capabilities.Structured), attempts, timeout)
	}
	fmt.Fprintln(w, table)

	plan, err := orchestrator.BuildPlan("", descs, cfg.Orchestrator.Fallbacks, orchestrator.PlanDefaults{
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
		Attempts:        cfg.Orchestrator.Attempts,
	})
	if err != nil {
		fmt.Fprintf(w, "\nplan: %v\n", err)
		return nil
	}
	steps := make([]string, len(plan.Entries))
	for i, e := range plan.Entries {
		steps[i] = fmt.Sprintf("%s×%d", e.Descriptor.Key, e.Attempts)
	}
	fmt.Fprintf(w, "\nplan: %s\n", strings.Join(steps, " → "))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --- keygen ---

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Nostr identity for signing job requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		save, _ := cmd.Flags().GetBool("save")

		keys, err := nostr.GenerateKeys()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "public key: %s\n", keys.PublicKey())

		if !save {
			fmt.Fprintf(out, "secret key: %s\n", keys.SecretHex())
			return nil
		}
		if err := config.StoreSecret("nostr.secret_key", keys.SecretHex()); err != nil {
			return fmt.Errorf("saving secret key: %w", err)
		}
		printSuccess("Saved secret key to the platform secret store")
		return nil
	},
}

func init() {
	keygenCmd.Flags().Bool("save", false, "store the secret key as nostr.secret_key instead of printing it")
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded telemetry events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := storage.EventQuery{}
		q.Provider, _ = cmd.Flags().GetString("provider")
		q.JobID, _ = cmd.Flags().GetString("job")
		q.Name, _ = cmd.Flags().GetString("name")
		q.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
			q.Since = time.Now().Add(-since)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.ListEvents(q)
		if err != nil {
			return err
		}
		renderEvents(cmd.OutOrStdout(), events)
		return nil
	},
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete telemetry events older than a duration",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.PruneEvents(time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		printSuccess("Deleted %d events", n)
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("provider", "", "only events for this provider key")
	eventsCmd.Flags().String("job", "", "only events for this job id")
	eventsCmd.Flags().String("name", "", "only events with this name (e.g. attempt.error)")
	eventsCmd.Flags().Duration("since", 0, "only events newer than this (e.g. 1h)")
	eventsCmd.Flags().Int("limit", 50, "maximum number of events")
	eventsPruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "age threshold")
	eventsCmd.AddCommand(eventsPruneCmd)
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return storage.Open(cfg.Storage.DataDir)
}

func renderEvents(w io.Writer, events []storage.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	table := newTable("TIME", "EVENT", "PROVIDER", "JOB", "ATTEMPT", "DURATION", "ERROR")
	for _, e := range events {
		attempt := "-"
		if e.Attempt > 0 {
			attempt = fmt.Sprint(e.Attempt)
		}
		dur := "-"
		if e.Duration > 0 {
			dur = e.Duration.Round(time.Millisecond).String()
		}
		job := e.JobID
		if len(job) > 12 {
			job = job[:12]
		}
		table.AddRow(e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Name, orDash(e.Provider), orDash(job), attempt, dur, orDash(e.Error))
	}
	fmt.Fprintln(w, table)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		table := newTable("KEY", "VALUE", "ENV")
		for _, k := range config.ShowAll(cfg) {
			table.AddRow(k.Key, k.Value, k.EnvVar)
		}
		fmt.Fprintln(cmd.OutOrStdout(), table)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
