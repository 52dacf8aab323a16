package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jurisdesk/intakebot/fleet"
	"github.com/jurisdesk/intakebot/ingest"
	"github.com/jurisdesk/intakebot/intake"
	"github.com/jurisdesk/intakebot/internal/logutil"
	"github.com/jurisdesk/intakebot/providers/openai"
	"github.com/jurisdesk/intakebot/storage"
	"github.com/jurisdesk/intakebot/transport/wsgateway"
	"github.com/jurisdesk/intakebot/triage"
)

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Operate the bot fleet",
	}
	cmd.AddCommand(newFleetRunCmd())
	cmd.AddCommand(newFleetAddCmd())
	cmd.AddCommand(newFleetStatusCmd())
	return cmd
}

func newFleetRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every configured bot and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			registry, store, err := registryFromViper(logger)
			if err != nil {
				return err
			}

			configs, err := store.LoadConfigs()
			if err != nil {
				return err
			}
			if len(configs) == 0 {
				return fmt.Errorf("no bots configured; add one with `intakebot fleet add`")
			}
			for _, cfg := range configs {
				if _, err := registry.Create(cfg); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			registry.StartAll(ctx)
			logger.Info("fleet_running", "bots", len(configs))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-ctx.Done():
			}

			logger.Info("fleet_shutting_down")
			if err := registry.Close(); err != nil {
				logger.Warn("fleet_shutdown_error", "error", err.Error())
			}
			return nil
		},
	}
}

func newFleetAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a bot in the fleet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			assistant, _ := cmd.Flags().GetString("assistant-name")
			owner, _ := cmd.Flags().GetString("owner")
			model, _ := cmd.Flags().GetString("model")

			id = strings.TrimSpace(id)
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if strings.TrimSpace(model) == "" {
				model = viper.GetString("llm.model")
			}

			store := fleet.NewStore(viper.GetString("data_dir"))
			configs, err := store.LoadConfigs()
			if err != nil {
				return err
			}
			for _, cfg := range configs {
				if cfg.ID == id {
					return fmt.Errorf("bot %q already configured", id)
				}
			}
			configs = append(configs, fleet.BotConfig{
				ID:            id,
				Name:          name,
				AssistantName: assistant,
				Owner:         owner,
				Model:         model,
			})
			if err := store.SaveConfigs(configs); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added bot %s (%d total)\n", id, len(configs))
			return nil
		},
	}
	cmd.Flags().String("id", "", "Bot id (required).")
	cmd.Flags().String("name", "", "Display name.")
	cmd.Flags().String("assistant-name", "Ana", "Assistant persona name used in greetings.")
	cmd.Flags().String("owner", "", "Owner reference.")
	cmd.Flags().String("model", "", "LLM model (defaults to llm.model).")
	return cmd
}

func newFleetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last persisted fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(viper.GetString("data_dir"), "fleet_state.json")
			content, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no fleet state recorded yet")
					return nil
				}
				return err
			}
			var snaps []fleet.InstanceSnapshot
			if err := json.Unmarshal(content, &snaps); err != nil {
				return fmt.Errorf("parse fleet state: %w", err)
			}
			for _, snap := range snaps {
				line := fmt.Sprintf("%-20s %-16s msgs=%d", snap.ID, snap.Status, snap.MessageCount)
				if snap.Phone != "" {
					line += " phone=" + snap.Phone
				}
				if snap.LastError != "" {
					line += " error=" + snap.LastError
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func registryFromViper(logger *slog.Logger) (*fleet.Registry, *fleet.Store, error) {
	llmClient := openai.New(
		viper.GetString("llm.endpoint"),
		viper.GetString("llm.api_key"),
		viper.GetDuration("llm.request_timeout"),
	)
	store := fleet.NewStore(viper.GetString("data_dir"))

	scfg := fleet.SupervisorConfig{
		KeepAliveInterval:    viper.GetDuration("fleet.keepalive_interval"),
		MaxReconnectAttempts: viper.GetInt("fleet.max_reconnect_attempts"),
		RestoreBaseTimeout:   viper.GetDuration("fleet.restore_base_timeout"),
		RestorePerAttempt:    viper.GetDuration("fleet.restore_per_attempt"),
		Ingest: ingest.Config{
			FirstConnectWindow: viper.GetDuration("ingest.first_connect_window"),
			ReconnectBuffer:    viper.GetDuration("ingest.reconnect_buffer"),
			RecoveryWindow:     viper.GetDuration("ingest.recovery_window"),
			DedupCapacity:      viper.GetInt("ingest.dedup_capacity"),
		},
		Intake: intake.Config{
			MaxAnalysisTurns: viper.GetInt("intake.max_analysis_turns"),
			MaxRetryAttempts: viper.GetInt("intake.max_retry_attempts"),
			RetryDelay:       viper.GetDuration("intake.retry_delay"),
		},
	}

	registry := fleet.NewRegistry(scfg, fleet.RegistryDeps{
		Dialer:      wsgateway.NewDialer(viper.GetString("gateway.url"), logger),
		LLM:         llmClient,
		Analyzer:    triage.NewLLMAnalyzer(llmClient, viper.GetString("llm.model"), logger),
		Transcriber: openai.NewTranscriber(llmClient, viper.GetString("llm.transcription_model")),
		Uploader:    storage.NewLocalStore(viper.GetString("media_dir")),
		Store:       store,
		SessionDir:  viper.GetString("session_dir"),
		Logger:      logger,
	})
	return registry, store, nil
}
