package main

import (
	"github.com/spf13/cobra"

	"driverlink/internal/buildinfo"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := buildinfo.Info()
			a.ui.Out = cmd.OutOrStdout()
			a.ui.Info("driverd %s", info["version"])
			if info["commit"] != "" {
				a.ui.Info("commit %s built %s", info["commit"], info["builtAt"])
			}
			a.ui.Info("%s", info["go"])
		},
	}
}
