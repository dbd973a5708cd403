package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coderelay/server/internal/orchestrator"
	"github.com/coderelay/server/internal/workerclient"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		relayURL     string
		token        string
		machineID    string
		backendsPath string
		heartbeat    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the agent worker daemon",
		Long:  "Connects to the relay, registers this machine, and drives local coding-agent processes on its behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("RELAY_TOKEN")
			}
			if machineID == "" {
				machineID = os.Getenv("MACHINE_ID")
			}
			if machineID == "" {
				machineID = uuid.NewString()
				log.Printf("worker: no machine id configured, using %s", machineID)
			}

			backends, err := orchestrator.LoadBackends(backendsPath)
			if err != nil {
				return err
			}

			hostname, _ := os.Hostname()
			orch := orchestrator.New(machineID, backends, orchestrator.DefaultConnFactory)
			client := workerclient.New(workerclient.Config{
				RelayURL:          relayURL,
				Token:             token,
				MachineID:         machineID,
				Hostname:          hostname,
				Version:           version,
				HeartbeatInterval: heartbeat,
			}, orch)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = client.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			orch.CloseAll(shutdownCtx)

			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&relayURL, "relay-url", envOrDefault("RELAY_URL", "ws://localhost:8082/api/machines/ws"), "relay websocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "machine token (or RELAY_TOKEN)")
	cmd.Flags().StringVar(&machineID, "machine-id", "", "stable machine identifier (or MACHINE_ID)")
	cmd.Flags().StringVar(&backendsPath, "backends", envOrDefault("BACKENDS_FILE", "backends.yaml"), "agent backends config file")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	return cmd
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
