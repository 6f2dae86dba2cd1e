package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func callCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <url> <message>",
		Short: "Post one JSON-RPC message and print the reply",
		Long: "Call posts the message to the MCP endpoint at url and prints the reply. A message of " +
			"\"-\" is read from stdin. The session id the server assigned is printed on stderr.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			payload := []byte(args[1])
			if args[1] == "-" {
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read message: %w", err)
				}
			}
			if !json.Valid(payload) {
				return errors.New("message is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()

			client := mcphttp.NewClient(args[0], &http.Client{}, clientOptions(v, logger)...)
			reply, err := client.Call(ctx, payload)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.ErrOrStderr(), "session:", client.SessionID())
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}

	cmd.Flags().String("session-id", "", "Session to post under, a new one is created if empty.")
	cmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for the reply.")

	return cmd
}

func clientOptions(v *viper.Viper, logger *slog.Logger) []mcphttp.ClientOption {
	opts := []mcphttp.ClientOption{mcphttp.WithClientLogger(logger)}
	if id := v.GetString("session-id"); id != "" {
		opts = append(opts, mcphttp.WithClientSessionID(id))
	}
	return opts
}
