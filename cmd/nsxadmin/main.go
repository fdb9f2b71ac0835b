package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/aaronorosen/vmware-nsx/cmd/nsxadmin/backupedge"
	"github.com/aaronorosen/vmware-nsx/cmd/nsxadmin/pool"
	"github.com/aaronorosen/vmware-nsx/version"
)

func main() {
	if c, err := mainCmd.ExecuteC(); err != nil {
		c.Println("Error:", err)
		os.Exit(1)
	}
}

var mainCmd = &cobra.Command{
	Use:           os.Args[0],
	Short:         "Inspect and repair the NSXv edge pool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	mainCmd.PersistentFlags().StringP("config", "c", "/etc/nsxpoold/config.yml", "Daemon configuration file")

	mainCmd.AddCommand(
		backupedge.Cmd,
		pool.Cmd,
		version.Cmd,
	)
}
