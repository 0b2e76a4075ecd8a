package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"

	"github.com/cordkit/cord/pkg/version"
)

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s (%s, %s/%s)\n",
				version.AppName, version.GitCommit,
				goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}
