package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/MonGDCH/gaia-queue/internal/config"
	"github.com/MonGDCH/gaia-queue/internal/service"
)

func main() {
	v := config.NewViper()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var svc *service.Service
	defer func() {
		if svc != nil {
			svc.Close()
		}
	}()

	ok := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	rootCmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Queue operator CLI",
		Long:          "queuectl sends messages and inspects the queue worker and its failed store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			config.Apply(&cfg, v)
			// CLI output goes to stdout; diagnostics stay quiet unless asked for.
			if !v.IsSet("log_level") {
				cfg.LogLevel = "warn"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			svc = service.New(cfg, service.WithLogger(cfg.NewLogger(os.Stderr)))
			return nil
		},
	}
	rootCmd.PersistentFlags().String("host", "", "Redis host of the default connection")
	rootCmd.PersistentFlags().Int("port", 0, "Redis port of the default connection")
	rootCmd.PersistentFlags().String("prefix", "", "Key prefix of the default connection")
	rootCmd.PersistentFlags().String("listen", "", "Worker listener address")
	rootCmd.PersistentFlags().String("log-level", "", "Diagnostic log level")
	for key, flag := range map[string]string{
		"host":      "host",
		"port":      "port",
		"prefix":    "prefix",
		"listen":    "listen",
		"log_level": "log-level",
	} {
		_ = v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
	}

	// send
	sendCmd := &cobra.Command{
		Use:   "send <queue> <json>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delay, _ := cmd.Flags().GetInt64("delay")
			connection, _ := cmd.Flags().GetString("connection")
			useSync, _ := cmd.Flags().GetBool("sync")

			var data json.RawMessage
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("payload must be JSON: %w", err)
			}

			if useSync {
				env, err := svc.SyncSendEnvelope(ctx, args[0], data, delay, connection, 0)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", ok("queued"), env.ID)
				return nil
			}

			acked := make(chan bool, 1)
			env, err := svc.AsyncSend(ctx, args[0], data, delay, connection, func(accepted bool) { acked <- accepted })
			if err != nil {
				return err
			}
			select {
			case accepted := <-acked:
				if !accepted {
					return fmt.Errorf("message %s was not accepted", env.ID)
				}
			case <-time.After(5 * time.Second):
				return fmt.Errorf("timed out waiting for ack of %s", env.ID)
			}
			fmt.Printf("%s %s\n", ok("queued"), env.ID)
			return nil
		},
	}
	sendCmd.Flags().Int64("delay", 0, "Delay in seconds before the message is delivered")
	sendCmd.Flags().String("connection", "", "Connection name (default connection when empty)")
	sendCmd.Flags().Bool("sync", true, "Write with a single pooled command instead of a queue client")
	rootCmd.AddCommand(sendCmd)

	// ping
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the worker's listener is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := svc.Communication(ctx, "ping")
			if err != nil {
				fmt.Println(fail("unreachable"))
				return err
			}
			fmt.Println(ok(reply))
			return nil
		},
	})

	// pool
	rootCmd.AddCommand(&cobra.Command{
		Use:   "pool",
		Short: "Show per-queue counters of the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := svc.Communication(ctx, `{"fn":"getPool","data":{}}`)
			if err != nil {
				return err
			}
			var resp struct {
				Code int `json:"code"`
				Data []struct {
					ID              string `json:"id"`
					Describe        string `json:"describe"`
					Success         int64  `json:"success"`
					Failure         int64  `json:"failure"`
					LastRunningTime string `json:"last_running_time"`
					CreateTime      string `json:"create_time"`
				} `json:"data"`
			}
			if err := json.Unmarshal([]byte(reply), &resp); err != nil || resp.Code != 1 {
				return fmt.Errorf("unexpected reply: %s", reply)
			}
			for _, e := range resp.Data {
				fmt.Printf("%-32s %s %s  last=%q since=%q  %s\n",
					e.ID, ok(e.Success), fail(e.Failure), e.LastRunningTime, e.CreateTime, e.Describe)
			}
			return nil
		},
	})

	// failed list / retry
	failedCmd := &cobra.Command{Use: "failed", Short: "Failed store operations"}
	failedListCmd := &cobra.Command{
		Use:   "list",
		Short: "List failed envelopes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			connection, _ := cmd.Flags().GetString("connection")
			offset, _ := cmd.Flags().GetInt64("offset")
			limit, _ := cmd.Flags().GetInt64("limit")
			client, err := svc.Connection(ctx, connection)
			if err != nil {
				return err
			}
			entries, err := client.Failed(ctx, offset, limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.Envelope == nil {
					fmt.Printf("%s %s\n", fail("malformed"), e.Raw)
					continue
				}
				fmt.Printf("%s %s queue=%s attempts=%d/%d error=%q\n",
					fail("failed"), e.Envelope.ID, e.Envelope.Queue, e.Envelope.Attempts, e.Envelope.MaxAttempts, e.Envelope.ErrorMessage())
			}
			return nil
		},
	}
	failedListCmd.Flags().String("connection", "", "Connection name")
	failedListCmd.Flags().Int64("offset", 0, "Entries to skip")
	failedListCmd.Flags().Int64("limit", 20, "Maximum entries to show")

	failedRetryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-send failed envelopes with a fresh attempts budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			connection, _ := cmd.Flags().GetString("connection")
			limit, _ := cmd.Flags().GetInt("limit")
			client, err := svc.Connection(ctx, connection)
			if err != nil {
				return err
			}
			n, err := client.RetryFailed(ctx, limit)
			fmt.Printf("%s %d\n", ok("requeued"), n)
			return err
		},
	}
	failedRetryCmd.Flags().String("connection", "", "Connection name")
	failedRetryCmd.Flags().Int("limit", 0, "Maximum envelopes to retry (0 = all)")

	failedCmd.AddCommand(failedListCmd, failedRetryCmd)
	rootCmd.AddCommand(failedCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, fail("error:"), err)
		os.Exit(1)
	}
}
