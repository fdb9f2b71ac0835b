package common

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/aaronorosen/vmware-nsx/config"
	"github.com/aaronorosen/vmware-nsx/state/store"
	"github.com/aaronorosen/vmware-nsx/vcns"
)

// LoadConfig reads the daemon configuration named by the root --config
// flag.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.ReadFrom(path)
}

// OpenStore opens the daemon's state file and restores it into a memory
// store. Read-only opens work alongside a running daemon; writable opens
// take the file lock and require the daemon to be stopped.
func OpenStore(cfg *config.Config, readOnly bool) (*store.MemoryStore, *bolt.DB, error) {
	db, err := bolt.Open(cfg.State.Path, 0o600, &bolt.Options{
		Timeout:  2 * time.Second,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening state %s", cfg.State.Path)
	}

	var s *store.MemoryStore
	if readOnly {
		s = store.NewMemoryStore(nil)
	} else {
		if err := store.InitDB(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		s = store.NewMemoryStore(store.NewBoltPersister(db))
	}
	if err := store.RestoreFromBolt(db, s); err != nil {
		s.Close()
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// Backend dials the manager endpoint from the daemon configuration.
func Backend(cfg *config.Config) (vcns.Client, error) {
	return vcns.NewClient(vcns.Config{
		URL:              cfg.Manager.URI,
		Username:         cfg.Manager.User,
		Password:         cfg.Manager.Password,
		CAFile:           cfg.Manager.CAFile,
		Insecure:         cfg.Manager.Insecure,
		Retries:          cfg.Manager.Retries,
		RateLimit:        cfg.Manager.RateLimit,
		TaskPollInterval: cfg.Manager.TaskStatusCheckInterval.Std(),
	})
}
