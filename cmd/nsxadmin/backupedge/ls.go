package backupedge

import (
	"fmt"
	"os"
	"text/tabwriter"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/cmd/nsxadmin/common"
	"github.com/aaronorosen/vmware-nsx/state/store"
)

var (
	listCmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List backup edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("list takes no arguments")
			}
			cfg, err := common.LoadConfig(cmd)
			if err != nil {
				return err
			}
			s, db, err := common.OpenStore(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()
			defer s.Close()

			var backups []*api.RouterBinding
			s.View(func(tx store.ReadTx) {
				backups, err = store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.BackupPrefix))
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "RESOURCE ID\tEDGE ID\tSTATUS\tTYPE\tSIZE\tAGE")
			for _, b := range backups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					b.ResourceID,
					b.EdgeID,
					b.Status,
					b.EdgeType,
					b.ApplianceSize,
					humanize.Time(b.CreatedAt),
				)
			}
			return nil
		},
	}
)
