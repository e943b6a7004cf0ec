package daemon

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *App) installConfig() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML, secrets excepted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := yaml.Marshal(a.config)
			if err != nil {
				return fmt.Errorf("could not marshal configuration: %v", err)
			}
			_, err = cmd.OutOrStdout().Write(d)
			return err
		},
	}
	a.cmd.AddCommand(cmd)
}
