package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phayes/permbits"
	"gopkg.in/yaml.v3"

	"github.com/aaronorosen/vmware-nsx/api"
)

const (
	// DefaultRetries bounds how often a manager call is replayed before
	// the backend is reported unavailable.
	DefaultRetries = 20
	// DefaultTaskStatusCheckInterval is the deploy job poll cadence.
	DefaultTaskStatusCheckInterval = 2 * time.Second
	// DefaultMaxTunnelsPerVnic applies when maximum_tunnels_per_vnic is
	// not configured.
	DefaultMaxTunnelsPerVnic = 20
	// DefaultSyncInterval is the periodic pool reconciliation cadence.
	DefaultSyncInterval = 5 * time.Minute

	DefaultManagerUser = "admin"
	DefaultStatePath   = "/var/lib/nsxpoold/state.db"
	DefaultMetricsAddr = "127.0.0.1:9155"
)

// Lock service backends.
const (
	LockBackendMemory = "memory"
	LockBackendEtcd   = "etcd"
)

// DefaultBackupEdgePool is the pool layout used when backup_edge_pool is
// empty.
var DefaultBackupEdgePool = []string{
	"service:large:4:10",
	"service:compact:4:10",
	"vdr:large:4:10",
}

// Duration is a time.Duration that reads from YAML strings such as "2s"
// or "5m". It also implements encoding.TextUnmarshaler so environment
// overrides go through the same parser.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

// Config is the daemon configuration.
type Config struct {
	Manager ManagerConfig `yaml:"manager"`
	Pool    PoolConfig    `yaml:"pool"`
	State   StateConfig   `yaml:"state"`
	Locks   LockConfig    `yaml:"locks"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ManagerConfig is the NSXv manager endpoint and API client tuning.
type ManagerConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	CAFile   string `yaml:"ca_file" envconfig:"ca_file"`
	Insecure bool   `yaml:"insecure"`

	Retries                 int      `yaml:"retries"`
	TaskStatusCheckInterval Duration `yaml:"task_status_check_interval" envconfig:"task_status_check_interval"`
	// RateLimit is the request budget in requests per second. Zero means
	// unlimited.
	RateLimit float64 `yaml:"rate_limit" envconfig:"rate_limit"`
}

// Validate checks the manager section and fills in defaults.
func (m *ManagerConfig) Validate() error {
	if m.URI == "" {
		return fmt.Errorf("manager: uri is mandatory")
	}
	if m.User == "" {
		m.User = DefaultManagerUser
	}
	if m.Retries < 0 {
		return fmt.Errorf("manager: retries must not be negative")
	}
	if m.Retries == 0 {
		m.Retries = DefaultRetries
	}
	if m.TaskStatusCheckInterval < 0 {
		return fmt.Errorf("manager: task_status_check_interval must not be negative")
	}
	if m.TaskStatusCheckInterval == 0 {
		m.TaskStatusCheckInterval = Duration(DefaultTaskStatusCheckInterval)
	}
	if m.RateLimit < 0 {
		return fmt.Errorf("manager: rate_limit must not be negative")
	}
	return nil
}

// PoolConfig controls backup pool sizing and the reconciliation cadence.
// MaximumTunnelsPerVnic and SyncInterval are pointers so that an explicit
// zero can be told apart from an absent key.
type PoolConfig struct {
	BackupEdgePool        []string  `yaml:"backup_edge_pool" envconfig:"backup_edge_pool"`
	MaximumTunnelsPerVnic *int      `yaml:"maximum_tunnels_per_vnic" envconfig:"maximum_tunnels_per_vnic"`
	SyncInterval          *Duration `yaml:"sync_interval" envconfig:"sync_interval"`

	// Targets is resolved from BackupEdgePool by Validate.
	Targets api.PoolTargets `yaml:"-" ignored:"true"`
}

// MaxTunnels returns the per-vnic tunnel limit. Values outside (0, 110]
// fall back to a conservative limit rather than rejecting the config.
func (p *PoolConfig) MaxTunnels() int {
	if p.MaximumTunnelsPerVnic == nil {
		return DefaultMaxTunnelsPerVnic
	}
	if n := *p.MaximumTunnelsPerVnic; n > 0 && n <= api.MaxTunnelsPerVnicLimit {
		return n
	}
	return api.FallbackTunnelsPerVnic
}

// SyncEvery returns the periodic reconciliation interval. Zero disables
// the ticker.
func (p *PoolConfig) SyncEvery() time.Duration {
	if p.SyncInterval == nil {
		return DefaultSyncInterval
	}
	return p.SyncInterval.Std()
}

// Validate resolves the backup pool tuples and checks the section.
func (p *PoolConfig) Validate() error {
	if p.SyncInterval != nil && *p.SyncInterval < 0 {
		return fmt.Errorf("pool: sync_interval must not be negative")
	}
	tuples := p.BackupEdgePool
	if len(tuples) == 0 {
		tuples = DefaultBackupEdgePool
	}
	targets, err := ParseBackupPool(tuples)
	if err != nil {
		return fmt.Errorf("pool: %v", err)
	}
	p.Targets = targets
	return nil
}

// StateConfig locates the on-disk state snapshot.
type StateConfig struct {
	Path string `yaml:"path"`
}

// Validate fills in the default state path.
func (s *StateConfig) Validate() error {
	if s.Path == "" {
		s.Path = DefaultStatePath
	}
	return nil
}

// LockConfig selects the named-lock service backing the pool manager.
type LockConfig struct {
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcd_endpoints" envconfig:"etcd_endpoints"`
}

// Validate checks the lock backend selection.
func (l *LockConfig) Validate() error {
	switch l.Backend {
	case "":
		l.Backend = LockBackendMemory
	case LockBackendMemory:
	case LockBackendEtcd:
		if len(l.EtcdEndpoints) == 0 {
			return fmt.Errorf("locks: the etcd backend requires etcd_endpoints")
		}
	default:
		return fmt.Errorf("locks: unrecognized backend %q", l.Backend)
	}
	return nil
}

// MetricsConfig locates the metrics listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Validate fills in the default metrics address.
func (m *MetricsConfig) Validate() error {
	if m.Addr == "" {
		m.Addr = DefaultMetricsAddr
	}
	return nil
}

// ReadFrom loads a Config from the YAML file at path, applies NSXV_*
// environment overrides and validates the result. A file carrying an
// inline manager password must not be group or other writable.
func ReadFrom(path string) (*Config, error) {
	c := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	if c.Manager.Password != "" {
		perms, err := permbits.Stat(path)
		if err != nil {
			return nil, err
		}
		if perms.GroupWrite() || perms.OtherWrite() {
			return nil, fmt.Errorf("%s holds the manager password but is group or other writable", path)
		}
	}

	if err := envconfig.Process("nsxv", c); err != nil {
		return nil, err
	}

	return c, c.Validate()
}

// Validate checks every section and fills in defaults.
func (c *Config) Validate() error {
	if err := c.Manager.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if err := c.Locks.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

// ParseBackupPool parses "type:size:min:max" tuples into pool targets.
// An empty size means large. Duplicate type/size pairs are rejected.
func ParseBackupPool(tuples []string) (api.PoolTargets, error) {
	targets := api.PoolTargets{}
	for _, tuple := range tuples {
		parts := strings.Split(tuple, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid edge pool entry %q: want type:size:min:max", tuple)
		}
		edgeType, ok := api.ParseEdgeType(parts[0])
		if !ok {
			return nil, fmt.Errorf("invalid edge pool entry %q: unknown edge type %q", tuple, parts[0])
		}
		sizeName := parts[1]
		if sizeName == "" {
			sizeName = string(api.SizeLarge)
		}
		size, ok := api.ParseApplianceSize(sizeName)
		if !ok {
			return nil, fmt.Errorf("invalid edge pool entry %q: unknown appliance size %q", tuple, parts[1])
		}
		minPooled, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid edge pool entry %q: %v", tuple, err)
		}
		maxPooled, err := strconv.Atoi(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid edge pool entry %q: %v", tuple, err)
		}
		if minPooled < 0 || maxPooled < minPooled {
			return nil, fmt.Errorf("invalid edge pool entry %q: want 0 <= min <= max", tuple)
		}
		if _, ok := targets[edgeType][size]; ok {
			return nil, fmt.Errorf("duplicate edge pool entry for %s %s edges", size, edgeType)
		}
		targets.Set(edgeType, size, api.PoolTarget{Min: minPooled, Max: maxPooled})
	}
	return targets, nil
}
