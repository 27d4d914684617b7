package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the 'config' subcommand, which prints the effective
// configuration after defaults, the config file, environment, and flags are
// merged. Its output is a valid config file.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSettings(cmd.Context())
			if err != nil {
				return err
			}
			out, err := s.cfg.YAML()
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			return nil
		},
	}
}
