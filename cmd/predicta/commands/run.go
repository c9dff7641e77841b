package commands

import (
	"github.com/spf13/cobra"
)

func serveCmd(opts *options) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket feed and channel coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runMode(cmd, cfg, "server")
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func settleCmd(opts *options) *cobra.Command {
	var (
		amount  string
		token   string
		closeIt bool
	)
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Open or reuse a channel, fund it and optionally close and withdraw",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if amount != "" {
				cfg.Settle.Amount = amount
			}
			if token != "" {
				cfg.Settle.Token = token
			}
			if cmd.Flags().Changed("close") {
				cfg.Settle.Close = closeIt
			}
			return runMode(cmd, cfg, "settle")
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "funding target in the token's smallest unit")
	cmd.Flags().StringVar(&token, "token", "", "token address (default settle.token, then chain.token)")
	cmd.Flags().BoolVar(&closeIt, "close", false, "close the channel and withdraw once funded")
	return cmd
}
