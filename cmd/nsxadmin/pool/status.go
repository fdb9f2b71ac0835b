package pool

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/cmd/nsxadmin/common"
	"github.com/aaronorosen/vmware-nsx/state/store"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show each pool's idle count against its configured band",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("status takes no arguments")
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

			idle := map[api.EdgeType]map[api.ApplianceSize]int{}
			s.View(func(tx store.ReadTx) {
				backups, ferr := store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.BackupPrefix))
				if ferr != nil {
					err = ferr
					return
				}
				for _, b := range backups {
					if b.Status != api.StatusActive || b.EdgeID == "" {
						continue
					}
					if idle[b.EdgeType] == nil {
						idle[b.EdgeType] = map[api.ApplianceSize]int{}
					}
					idle[b.EdgeType][b.ApplianceSize]++
				}
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer func() {
				// Ignore flushing errors - there's nothing we can do.
				_ = w.Flush()
			}()
			fmt.Fprintln(w, "TYPE\tSIZE\tIDLE\tMIN\tMAX\tDRIFT")
			for _, edgeType := range api.EdgeTypes {
				for _, size := range api.ApplianceSizes {
					target := cfg.Pool.Targets.Get(edgeType, size)
					n := idle[edgeType][size]
					if target.Min == 0 && target.Max == 0 && n == 0 {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
						edgeType, size, n, target.Min, target.Max, drift(n, target))
				}
			}
			return nil
		},
	}
)

// drift reports how far outside the configured band an idle count sits.
func drift(idle int, target api.PoolTarget) string {
	switch {
	case idle < target.Min:
		return fmt.Sprintf("%d", idle-target.Min)
	case idle > target.Max:
		return fmt.Sprintf("+%d", idle-target.Max)
	default:
		return "ok"
	}
}
