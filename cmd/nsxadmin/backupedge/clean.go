package backupedge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/aaronorosen/vmware-nsx/api"
	"github.com/aaronorosen/vmware-nsx/cmd/nsxadmin/common"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

var (
	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove backup edges from the pool and the backend",
		Long: `Remove backup edges from the pool and the backend.

The daemon must be stopped: clean takes the state file lock, removes the
matching rows and deletes their appliances on the manager. By default only
failed fillers are removed; --status ALL drains healthy ones too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("clean takes no arguments")
			}
			statusFlag, err := cmd.Flags().GetString("status")
			if err != nil {
				return err
			}
			var errorOnly bool
			switch strings.ToUpper(statusFlag) {
			case "ERROR":
				errorOnly = true
			case "ALL":
			default:
				return errors.Errorf("unrecognized --status %q: want ERROR or ALL", statusFlag)
			}
			olderThan, err := cmd.Flags().GetDuration("older-than")
			if err != nil {
				return err
			}

			cfg, err := common.LoadConfig(cmd)
			if err != nil {
				return err
			}
			s, db, err := common.OpenStore(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()
			defer s.Close()

			backend, err := common.Backend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			cutoff := time.Now().Add(-olderThan)
			var victims []*api.RouterBinding
			s.View(func(tx store.ReadTx) {
				backups, ferr := store.FindRouterBindings(tx, store.ByResourceIDPrefix(api.BackupPrefix))
				if ferr != nil {
					err = ferr
					return
				}
				for _, b := range backups {
					if errorOnly && b.Status != api.StatusError {
						continue
					}
					if olderThan > 0 && b.CreatedAt.After(cutoff) {
						continue
					}
					victims = append(victims, b)
				}
			})
			if err != nil {
				return err
			}

			ctx := context.Background()
			for _, b := range victims {
				err := s.Update(func(tx store.Tx) error {
					if err := store.DeleteRouterBinding(tx, b.ResourceID); err != nil && err != store.ErrNotExist {
						return err
					}
					if b.EdgeID != "" && b.EdgeType != api.EdgeTypeVDR {
						return store.CleanEdgeVnicBindings(tx, b.EdgeID)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if b.EdgeID == "" {
					fmt.Printf("%s: removed (no appliance)\n", b.ResourceID)
					continue
				}
				task, err := backend.DeleteEdge(ctx, vcns.JobData{ResourceID: b.ResourceID}, b.EdgeID)
				if err == nil {
					err = task.Wait(ctx)
				}
				if err != nil && !vcns.IsNotFound(err) {
					return errors.Wrapf(err, "deleting edge %s", b.EdgeID)
				}
				fmt.Printf("%s: removed edge %s\n", b.ResourceID, b.EdgeID)
			}
			fmt.Printf("removed %d backup edge(s)\n", len(victims))
			return nil
		},
	}
)

func init() {
	cleanCmd.Flags().String("status", "ERROR", "Which fillers to remove (ERROR or ALL)")
	cleanCmd.Flags().Duration("older-than", 0, "Only remove fillers created at least this long ago")
}
