package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kmahony/go-psremoting/messages"
)

// infoCmd negotiates a session and reports what the server can do.
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the negotiated session capability and supported features",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, log, err := newClient()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		ctx := cmd.Context()

		spinner, _ := pterm.DefaultSpinner.Start("Negotiating session")
		if err := client.Connect(ctx); err != nil {
			spinner.Fail("Negotiation failed")
			return err
		}
		spinner.Success("Session established")
		defer func() { _ = client.Close(ctx) }()

		capability := client.Session().Capability()
		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Session Capability")).
			WithPadding(1).
			Printfln("Protocol       %s\nPSVersion      %s\nSerialization  %s",
				capability.ProtocolVersion,
				capability.PSVersion,
				capability.SerializationVersion)
		pterm.Println()

		rows := pterm.TableData{{"Feature", "Supported"}}
		for _, f := range []messages.Feature{
			messages.FeatureDisconnect,
			messages.FeatureBatchInvocation,
			messages.FeatureInformationStream,
			messages.FeatureResetRunspaceState,
		} {
			supported := "no"
			if capability.Supports(f) {
				supported = "yes"
			}
			rows = append(rows, []string{f.String(), supported})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
