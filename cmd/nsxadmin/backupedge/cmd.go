package backupedge

import "github.com/spf13/cobra"

var (
	// Cmd exposes the top-level backup-edges command.
	Cmd = &cobra.Command{
		Use:   "backup-edges",
		Short: "Backup edge pool management",
	}
)

func init() {
	Cmd.AddCommand(
		listCmd,
		cleanCmd,
	)
}
