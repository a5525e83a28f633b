package main

import (
	"fmt"

	"github.com/spf13/cobra"

	psremoting "github.com/kmahony/go-psremoting"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the psremote version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("psremote %s\n", psremoting.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
