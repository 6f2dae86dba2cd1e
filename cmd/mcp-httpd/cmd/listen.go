package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	mcphttp "github.com/MegaGrindStone/go-mcp-http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func listenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <url>",
		Short: "Print the messages pushed on the SSE stream of a session",
		Long: "Listen opens the SSE stream of a session at the MCP endpoint at url and prints every " +
			"message pushed on it, one per line, until interrupted or the stream closes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := append(clientOptions(v, logger), mcphttp.WithClientMaxPayloadSize(v.GetInt("max-payload-size")))
			client := mcphttp.NewClient(args[0], &http.Client{}, opts...)
			events, err := client.Subscribe(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "session:", client.SessionID())

			for msg, err := range events {
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(msg))
			}
			return nil
		},
	}

	cmd.Flags().String("session-id", "", "Session to listen to, a new one is created if empty.")
	cmd.Flags().Int("max-payload-size", 4<<20, "Largest message accepted on the stream, in bytes.")

	return cmd
}
