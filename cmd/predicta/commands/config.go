package commands

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predicta/internal/config"
)

func configCmd(opts *options) *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if validate {
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(config.RedactedConfig(cfg))
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "fail when the configuration is invalid")
	return cmd
}
