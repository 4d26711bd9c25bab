package main

import (
	"github.com/spf13/cobra"

	"github.com/hmsync/wardsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		shown := *cc.Cfg
		shown.Token = maskSecret(shown.Token)
		shown.ClientSecret = maskSecret(shown.ClientSecret)

		return printJSON(cc.Out(), shown)
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cc.Out())
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}

	return "********"
}
