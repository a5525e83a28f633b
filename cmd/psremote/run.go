package main

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kmahony/go-psremoting/runspace"
)

var (
	minRunspaces int32
	maxRunspaces int32
)

// runCmd executes a script in a fresh runspace pool and prints the decoded
// output stream. Error records go to stderr-style red output.
var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a PowerShell script and print its output",
	Long: `The run command connects to the configured PowerShell host, opens a
runspace pool, invokes the given script text as a single pipeline, and prints
each decoded output object on its own line.`,
	Args: cobra.ExactArgs(1),
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

		spinner.UpdateText("Opening runspace pool")
		pool, err := client.CreateRunspacePool(ctx, runspace.Options{
			MinRunspaces: minRunspaces,
			MaxRunspaces: maxRunspaces,
		})
		if err != nil {
			spinner.Fail("Runspace pool open failed")
			return err
		}
		spinner.Success("Connected")

		output, errRecs, runErr := client.Run(ctx, pool, args[0])
		for _, v := range output {
			fmt.Println(formatValue(v))
		}
		for _, rec := range errRecs {
			pterm.Error.Println(rec.Message)
		}

		if err := client.ClosePool(ctx, pool); err != nil {
			log.Warn("pool close failed: " + err.Error())
		}
		return runErr
	},
}

// formatValue renders a decoded pipeline object for the terminal. Primitives
// print as themselves; anything structured falls back to %v.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func init() {
	runCmd.Flags().Int32Var(&minRunspaces, "min-runspaces", 0, "Minimum runspaces in the pool (0 uses the config default)")
	runCmd.Flags().Int32Var(&maxRunspaces, "max-runspaces", 0, "Maximum runspaces in the pool (0 uses the config default)")
	rootCmd.AddCommand(runCmd)
}
