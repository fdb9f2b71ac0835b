package pool

import "github.com/spf13/cobra"

var (
	// Cmd exposes the top-level pool command.
	Cmd = &cobra.Command{
		Use:   "pool",
		Short: "Pool inspection",
	}
)

func init() {
	Cmd.AddCommand(statusCmd)
}
