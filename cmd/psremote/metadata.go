package main

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kmahony/go-psremoting/runspace"
)

// metadataCmd lists commands available on the server, optionally filtered by
// name patterns.
var metadataCmd = &cobra.Command{
	Use:   "metadata [pattern...]",
	Short: "List commands available on the remote host",
	Long: `The metadata command opens a runspace pool and asks the server to
enumerate its commands. Patterns use PowerShell wildcards; with no arguments
every command is listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, log, err := newClient()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := cmd.Context()

		spinner, _ := pterm.DefaultSpinner.Start("Connecting")
		if err := client.Connect(ctx); err != nil {
			spinner.Fail("Connection failed")
			return err
		}
		defer func() { _ = client.Close(ctx) }()

		pool, err := client.CreateRunspacePool(ctx, runspace.Options{})
		if err != nil {
			spinner.Fail("Runspace pool open failed")
			return err
		}
		defer func() { _ = client.ClosePool(ctx, pool) }()

		spinner.UpdateText("Fetching command metadata")
		commands, err := pool.GetCommandMetadata(ctx, args)
		if err != nil {
			spinner.Fail("Metadata query failed")
			return err
		}
		spinner.Success("Fetched " + strconv.Itoa(len(commands)) + " commands")

		rows := pterm.TableData{{"Name", "Namespace", "Parameters"}}
		for _, c := range commands {
			rows = append(rows, []string{c.Name, c.Namespace, strconv.Itoa(len(c.Parameters))})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	rootCmd.AddCommand(metadataCmd)
}
