package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print and validate the effective configuration",
		Long: `Prints the configuration after layering defaults, the config file and
FLOWENGINE_* environment variables, then validates it.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			out, err := yaml.Marshal(v.AllSettings())
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			fmt.Print(string(out))

			if _, err := settings(v); err != nil {
				color.Red("Configuration is invalid: %v", err)
				return err
			}
			color.Green("Configuration is valid")
			return nil
		},
	}
}
