package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wikiseek/internal/config"
)

// NewConfigCommand returns the "config" command with its subcommands.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change settings",
		Long:  "Settings live in config.json in the home directory. Command-line flags override them.",
	}
	cmd.PersistentFlags().StringP("output-format", "o", "text", "output format: text or json")
	cmd.AddCommand(newConfigShowCmd(), newConfigGetCmd(), newConfigSetCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print all settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			p := newPrinter(outputFormat(cmd), cmd.OutOrStdout())
			if p.isJSON() {
				return p.json(e.cfg)
			}
			pairs, err := configPairs(e.cfg)
			if err != nil {
				return err
			}
			p.kv(append([][2]string{{"file", e.store.Path()}}, pairs...))
			return nil
		},
	}
}

func configPairs(cfg config.Config) ([][2]string, error) {
	var pairs [][2]string
	for _, key := range config.Keys() {
		v, err := cfg.Get(key)
		if err != nil {
			return nil, err
		}
		if v == "" {
			v = "(unset)"
		}
		pairs = append(pairs, [2]string{key, v})
	}
	return pairs, nil
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			v, err := e.cfg.Get(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			if err := e.cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := e.store.Save(e.cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}
