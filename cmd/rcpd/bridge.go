package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chronologos/rcp/internal/bridge"
)

var (
	bridgePort     int
	bridgeUpstream string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the WebSocket bridge in front of an RCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Bridge.Port = bridgePort
		}
		if bridgeUpstream != "" {
			cfg.Bridge.Upstream = bridgeUpstream
		}
		bc, err := cfg.BridgeConfig()
		if err != nil {
			return err
		}
		b, err := bridge.New(bc, nil, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := b.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	bridgeCmd.Flags().IntVarP(&bridgePort, "port", "p", 0, "WebSocket listen port (overrides bridge.port)")
	bridgeCmd.Flags().StringVar(&bridgeUpstream, "upstream", "", "RCP server host:port (overrides bridge.upstream)")
	rootCmd.AddCommand(bridgeCmd)
}
