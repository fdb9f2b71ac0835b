package vcns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/avast/retry-go/v4"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/aaronorosen/vmware-nsx/log"
)

const (
	uriPrefix     = "/api/4.0/edges"
	lswitchPrefix = "/api/ws.v1/lswitch"

	// DefaultRetries bounds replays of transient failures per request.
	DefaultRetries = 20
	// DefaultTaskPollInterval is the cadence for async job polling.
	DefaultTaskPollInterval = 2 * time.Second

	requestTimeout = 75 * time.Second
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 4 * time.Second
	maxErrorBody   = 64 << 10
)

// Client is the backend manager surface the pool manager consumes. Deploy
// is asynchronous; its task settles through job polling and phase events
// reach the sinks registered on Tasks. Update and delete run synchronously
// but still publish their outcome so binding state converges through one
// path.
type Client interface {
	DeployEdge(ctx context.Context, job JobData, spec *EdgeCreateSpec) (*Task, error)
	UpdateEdge(ctx context.Context, job JobData, edgeID string, spec *EdgeUpdateSpec) (*Task, error)
	DeleteEdge(ctx context.Context, job JobData, edgeID string) (*Task, error)
	GetEdge(ctx context.Context, edgeID string) (*Edge, error)
	GetEdges(ctx context.Context) ([]*Edge, error)
	GetEdgeStatus(ctx context.Context, edgeID string) (EdgeStatus, error)

	UpdateInterface(ctx context.Context, edgeID string, vnic *VnicConfig) error
	DeleteInterface(ctx context.Context, edgeID string, index int) error
	AddVdrInternalInterface(ctx context.Context, edgeID string, iface *VdrInterfaceConfig) (int, error)
	DeleteVdrInternalInterface(ctx context.Context, edgeID string, index int) error

	CreateLswitch(ctx context.Context, spec *LswitchSpec) (*Lswitch, error)
	DeleteLswitch(ctx context.Context, lswitchID string) error

	GetRoutes(ctx context.Context, edgeID string) (*DefaultRoute, []StaticRoute, error)
	UpdateRoutes(ctx context.Context, edgeID string, gateway *DefaultRoute, routes []StaticRoute) error
	UpdateNatRules(ctx context.Context, edgeID string, rules []NatRule) error
	UpdateFirewall(ctx context.Context, edgeID string, cfg *FirewallConfig) error

	UpdateDhcpConfig(ctx context.Context, edgeID string, cfg *DhcpConfig) error
	GetDhcpBindingMappings(ctx context.Context, edgeID string) (map[string]string, error)
	CreateDhcpStaticBinding(ctx context.Context, edgeID string, binding *StaticBinding) (string, error)
	DeleteDhcpStaticBinding(ctx context.Context, edgeID, bindingID string) error

	SetSystemControl(ctx context.Context, edgeID string, properties []string) error
	GetSystemControl(ctx context.Context, edgeID string) (*SystemControlSpec, error)

	Tasks() *TaskNotifier
	Close() error
}

// Config holds the coordinates and behavior knobs for one backend client.
type Config struct {
	// URL is the manager base, e.g. https://nsx.example.net.
	URL      string
	Username string
	Password string

	// CAFile pins the manager's CA bundle. Insecure skips verification
	// instead; it loses to CAFile when both are set.
	CAFile   string
	Insecure bool

	// Retries bounds replays of transient failures per request. Zero
	// means DefaultRetries.
	Retries int
	// RateLimit caps request starts per second. Zero means unlimited.
	RateLimit float64
	// TaskPollInterval overrides the async job poll cadence.
	TaskPollInterval time.Duration

	// HTTPClient overrides the transport when set. Tests use it to pin
	// requests to an in-memory listener.
	HTTPClient *http.Client
	// Clock drives job polling. Tests install a fake.
	Clock clock.Clock
}

type client struct {
	base     string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
	retries  uint
	poll     time.Duration
	clock    clock.Clock
	notifier *TaskNotifier

	runCtx   context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient builds a backend client from cfg.
func NewClient(cfg Config) (Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing manager URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("manager URL %q must include scheme and host", cfg.URL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             cfg.CAFile,
			InsecureSkipVerify: cfg.Insecure && cfg.CAFile == "",
		})
		if err != nil {
			return nil, errors.Wrap(err, "loading manager TLS config")
		}
		httpClient = &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsCfg,
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(2 * cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	retries := DefaultRetries
	if cfg.Retries > 0 {
		retries = cfg.Retries
	}
	poll := cfg.TaskPollInterval
	if poll <= 0 {
		poll = DefaultTaskPollInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	runCtx, shutdown := context.WithCancel(log.WithModule(context.Background(), "vcns"))
	return &client{
		base:     strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
		limiter:  limiter,
		retries:  uint(retries),
		poll:     poll,
		clock:    clk,
		notifier: NewTaskNotifier(),
		runCtx:   runCtx,
		shutdown: shutdown,
	}, nil
}

func (c *client) Tasks() *TaskNotifier {
	return c.notifier
}

// Close stops job polling and closes the task notifier along with every
// registered sink. In-flight tasks settle with the shutdown error.
func (c *client) Close() error {
	c.shutdown()
	c.wg.Wait()
	return c.notifier.Close()
}

// do runs one backend request, replaying transient failures with capped
// backoff. Manager rejections come back as *ManagerError; transport errors
// that outlive the retry budget collapse into ErrBackendUnavailable.
func (c *client) do(ctx context.Context, method, uri string, in, out interface{}) (http.Header, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s %s request", method, uri)
		}
	}

	var header http.Header
	err := retry.Do(
		func() error {
			var err error
			header, err = c.roundTrip(ctx, method, uri, payload, out)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.retries),
		retry.RetryIf(retryable),
		retry.Delay(retryBaseDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.G(ctx).WithError(err).Debugf("retrying %s %s (attempt %d)", method, uri, n+1)
		}),
	)
	if err == nil {
		return header, nil
	}
	if IsManagerError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, errors.Wrapf(ErrBackendUnavailable, "%s %s: %v", method, uri, err)
}

func (c *client) roundTrip(ctx context.Context, method, uri string, payload []byte, out interface{}) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+uri, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeManagerError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, errors.Wrapf(err, "decoding %s %s response", method, uri)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.Header, nil
}

func decodeManagerError(resp *http.Response) error {
	me := &ManagerError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(body) > 0 {
		var parsed managerErrorBody
		if json.Unmarshal(body, &parsed) == nil && (parsed.ErrorCode != 0 || parsed.Details != "") {
			me.Code = parsed.ErrorCode
			me.Detail = parsed.Details
		} else {
			me.Detail = strings.TrimSpace(string(body))
		}
	}
	if me.Detail == "" {
		me.Detail = http.StatusText(resp.StatusCode)
	}
	return me
}

// jobIDFromHeader pulls the job ID off an async response's Location, which
// the backend writes as a URI ending in the ID.
func jobIDFromHeader(h http.Header) string {
	loc := h.Get("Location")
	if loc == "" {
		return ""
	}
	return loc[strings.LastIndex(loc, "/")+1:]
}

// DeployEdge submits an appliance deployment and returns a task that
// settles when the backend job does. The returned task's edge ID becomes
// available once the job reports one, which is also when the Started event
// fires.
func (c *client) DeployEdge(ctx context.Context, job JobData, spec *EdgeCreateSpec) (*Task, error) {
	header, err := c.do(ctx, http.MethodPost, uriPrefix+"?async=true", spec, nil)
	if err != nil {
		return nil, err
	}
	jobID := jobIDFromHeader(header)
	if jobID == "" {
		return nil, errors.New("vcns: deploy response carried no job location")
	}

	task := NewTask(jobID, TaskKindDeploy, job)
	c.wg.Add(1)
	go c.watchJob(task)
	return task, nil
}

// watchJob polls one backend job until it settles, publishing phase events
// along the way. A poll that still fails after retries fails the task; any
// half-deployed appliance is the reconciler's to collect.
func (c *client) watchJob(task *Task) {
	defer c.wg.Done()

	ctx := log.WithField(c.runCtx, "job.id", task.ID)
	ticker := c.clock.NewTicker(c.poll)
	defer ticker.Stop()

	started := false
	for {
		select {
		case <-ctx.Done():
			task.Finish("", ctx.Err())
			return
		case <-ticker.C():
		}

		var j edgeJob
		if _, err := c.do(ctx, http.MethodGet, uriPrefix+"/jobs/"+task.ID, nil, &j); err != nil {
			log.G(ctx).WithError(err).Error("edge job poll failed")
			c.publish(TaskEvent{Kind: task.Kind, Phase: TaskFailed, JobData: task.JobData, EdgeID: task.EdgeID(), Err: err})
			task.Finish("", err)
			return
		}

		if j.EdgeID != "" && !started {
			started = true
			task.SetEdgeID(j.EdgeID)
			c.publish(TaskEvent{Kind: task.Kind, Phase: TaskStarted, JobData: task.JobData, EdgeID: j.EdgeID})
		}

		switch j.Status {
		case jobStatusCompleted:
			c.publish(TaskEvent{Kind: task.Kind, Phase: TaskCompleted, JobData: task.JobData, EdgeID: j.EdgeID})
			task.Finish(j.EdgeID, nil)
			return
		case jobStatusFailed, jobStatusRollback:
			err := errors.Errorf("edge job %s failed: %s", task.ID, j.Message)
			c.publish(TaskEvent{Kind: task.Kind, Phase: TaskFailed, JobData: task.JobData, EdgeID: j.EdgeID, Err: err})
			task.Finish(j.EdgeID, err)
			return
		}
	}
}

func (c *client) publish(ev TaskEvent) {
	if err := c.notifier.Publish(ev); err != nil {
		log.L.WithError(err).WithField("resource.id", ev.JobData.ResourceID).Warn("dropping task event")
	}
}

// UpdateEdge reconfigures a deployed appliance. The backend applies it
// synchronously, so the returned task is already settled; the error mirrors
// the task's.
func (c *client) UpdateEdge(ctx context.Context, job JobData, edgeID string, spec *EdgeUpdateSpec) (*Task, error) {
	_, err := c.do(ctx, http.MethodPut, uriPrefix+"/"+edgeID, spec, nil)
	c.publishOutcome(TaskKindUpdate, job, edgeID, err)
	return CompletedTask(TaskKindUpdate, job, edgeID, err), err
}

// DeleteEdge removes an appliance. As with UpdateEdge the returned task is
// already settled.
func (c *client) DeleteEdge(ctx context.Context, job JobData, edgeID string) (*Task, error) {
	_, err := c.do(ctx, http.MethodDelete, uriPrefix+"/"+edgeID, nil, nil)
	c.publishOutcome(TaskKindDelete, job, edgeID, err)
	return CompletedTask(TaskKindDelete, job, edgeID, err), err
}

func (c *client) publishOutcome(kind TaskKind, job JobData, edgeID string, err error) {
	ev := TaskEvent{Kind: kind, Phase: TaskCompleted, JobData: job, EdgeID: edgeID}
	if err != nil {
		ev.Phase = TaskFailed
		ev.Err = err
	}
	c.publish(ev)
}

func (c *client) GetEdge(ctx context.Context, edgeID string) (*Edge, error) {
	var e Edge
	if _, err := c.do(ctx, http.MethodGet, uriPrefix+"/"+edgeID, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *client) GetEdges(ctx context.Context) ([]*Edge, error) {
	var page edgePage
	if _, err := c.do(ctx, http.MethodGet, uriPrefix, nil, &page); err != nil {
		return nil, err
	}
	return page.EdgePage.Data, nil
}

func (c *client) GetEdgeStatus(ctx context.Context, edgeID string) (EdgeStatus, error) {
	var status edgeStatusResponse
	if _, err := c.do(ctx, http.MethodGet, uriPrefix+"/"+edgeID+"/status?getlatest=false", nil, &status); err != nil {
		return "", err
	}
	return status.EdgeStatus, nil
}

// UpdateInterface pushes one vnic row; the slot is vnic.Index.
func (c *client) UpdateInterface(ctx context.Context, edgeID string, vnic *VnicConfig) error {
	uri := fmt.Sprintf("%s/%s/vnics/%d", uriPrefix, edgeID, vnic.Index)
	_, err := c.do(ctx, http.MethodPut, uri, vnic, nil)
	return err
}

func (c *client) DeleteInterface(ctx context.Context, edgeID string, index int) error {
	uri := fmt.Sprintf("%s/%s/vnics/%d?async=true", uriPrefix, edgeID, index)
	_, err := c.do(ctx, http.MethodDelete, uri, nil, nil)
	return err
}

// AddVdrInternalInterface patches one interface onto a distributed router
// and returns the index the backend assigned it.
func (c *client) AddVdrInternalInterface(ctx context.Context, edgeID string, iface *VdrInterfaceConfig) (int, error) {
	req := vdrInterfacesBody{Interfaces: []VdrInterfaceConfig{*iface}}
	var resp vdrInterfacesBody
	uri := fmt.Sprintf("%s/%s/interfaces?action=patch", uriPrefix, edgeID)
	if _, err := c.do(ctx, http.MethodPost, uri, &req, &resp); err != nil {
		return 0, err
	}
	if len(resp.Interfaces) == 0 {
		return 0, errors.Errorf("vcns: interface patch on edge %s returned no interfaces", edgeID)
	}
	return resp.Interfaces[0].Index, nil
}

func (c *client) DeleteVdrInternalInterface(ctx context.Context, edgeID string, index int) error {
	uri := fmt.Sprintf("%s/%s/interfaces/%d", uriPrefix, edgeID, index)
	_, err := c.do(ctx, http.MethodDelete, uri, nil, nil)
	return err
}

func (c *client) CreateLswitch(ctx context.Context, spec *LswitchSpec) (*Lswitch, error) {
	var ls Lswitch
	if _, err := c.do(ctx, http.MethodPost, lswitchPrefix, spec, &ls); err != nil {
		return nil, err
	}
	return &ls, nil
}

func (c *client) DeleteLswitch(ctx context.Context, lswitchID string) error {
	_, err := c.do(ctx, http.MethodDelete, lswitchPrefix+"/"+lswitchID, nil, nil)
	return err
}

func (c *client) GetRoutes(ctx context.Context, edgeID string) (*DefaultRoute, []StaticRoute, error) {
	var cfg staticRoutingConfig
	uri := uriPrefix + "/" + edgeID + "/routing/config/static"
	if _, err := c.do(ctx, http.MethodGet, uri, nil, &cfg); err != nil {
		return nil, nil, err
	}
	return cfg.DefaultRoute, cfg.StaticRoutes.StaticRoutes, nil
}

// UpdateRoutes replaces the static routing table. A nil gateway clears the
// default route.
func (c *client) UpdateRoutes(ctx context.Context, edgeID string, gateway *DefaultRoute, routes []StaticRoute) error {
	if routes == nil {
		routes = []StaticRoute{}
	}
	body := staticRoutingConfig{
		StaticRoutes: staticRouteList{StaticRoutes: routes},
		DefaultRoute: gateway,
	}
	uri := uriPrefix + "/" + edgeID + "/routing/config/static"
	_, err := c.do(ctx, http.MethodPut, uri, &body, nil)
	return err
}

// UpdateNatRules replaces the NAT rule set.
func (c *client) UpdateNatRules(ctx context.Context, edgeID string, rules []NatRule) error {
	if rules == nil {
		rules = []NatRule{}
	}
	body := natConfigBody{
		FeatureType: featureTypeNat,
		Rules:       natRuleList{Rules: rules},
	}
	uri := uriPrefix + "/" + edgeID + "/nat/config?async=true"
	_, err := c.do(ctx, http.MethodPut, uri, &body, nil)
	return err
}

// UpdateFirewall replaces the firewall rule set.
func (c *client) UpdateFirewall(ctx context.Context, edgeID string, cfg *FirewallConfig) error {
	rules := cfg.Rules
	if rules == nil {
		rules = []FirewallRule{}
	}
	body := firewallConfigBody{
		FeatureType:   featureTypeFirewall,
		DefaultPolicy: cfg.DefaultPolicy,
		FirewallRules: firewallRuleList{Rules: rules},
	}
	uri := uriPrefix + "/" + edgeID + "/firewall/config?async=true"
	_, err := c.do(ctx, http.MethodPut, uri, &body, nil)
	return err
}

// UpdateDhcpConfig replaces the whole DHCP document on an edge, bindings
// included.
func (c *client) UpdateDhcpConfig(ctx context.Context, edgeID string, cfg *DhcpConfig) error {
	bindings := cfg.StaticBindings
	if bindings == nil {
		bindings = []StaticBinding{}
	}
	body := dhcpConfigBody{
		FeatureType:    featureTypeDhcp,
		Enabled:        cfg.Enabled,
		StaticBindings: staticBindingList{StaticBindings: bindings},
		IPPools:        cfg.IPPools,
	}
	uri := uriPrefix + "/" + edgeID + "/dhcp/config"
	_, err := c.do(ctx, http.MethodPut, uri, &body, nil)
	return err
}

// GetDhcpBindingMappings reads the backend's binding IDs keyed by
// lowercased MAC address.
func (c *client) GetDhcpBindingMappings(ctx context.Context, edgeID string) (map[string]string, error) {
	var cfg dhcpConfigResponse
	uri := uriPrefix + "/" + edgeID + "/dhcp/config"
	if _, err := c.do(ctx, http.MethodGet, uri, nil, &cfg); err != nil {
		return nil, err
	}
	mappings := make(map[string]string, len(cfg.StaticBindings.StaticBindings))
	for _, b := range cfg.StaticBindings.StaticBindings {
		mappings[strings.ToLower(b.MacAddress)] = b.BindingID
	}
	return mappings, nil
}

// CreateDhcpStaticBinding appends one binding and returns the ID the
// backend assigned it.
func (c *client) CreateDhcpStaticBinding(ctx context.Context, edgeID string, binding *StaticBinding) (string, error) {
	uri := uriPrefix + "/" + edgeID + "/dhcp/config/bindings"
	header, err := c.do(ctx, http.MethodPost, uri, binding, nil)
	if err != nil {
		return "", err
	}
	bindingID := jobIDFromHeader(header)
	if bindingID == "" {
		return "", errors.Errorf("vcns: binding create on edge %s carried no location", edgeID)
	}
	return bindingID, nil
}

func (c *client) DeleteDhcpStaticBinding(ctx context.Context, edgeID, bindingID string) error {
	uri := uriPrefix + "/" + edgeID + "/dhcp/config/bindings/" + bindingID
	_, err := c.do(ctx, http.MethodDelete, uri, nil, nil)
	return err
}

// SetSystemControl replaces the appliance's sysctl-style properties, each
// formatted as "key=value".
func (c *client) SetSystemControl(ctx context.Context, edgeID string, properties []string) error {
	body := SystemControlSpec{
		FeatureType: featureTypeSystemControl,
		Property:    properties,
	}
	uri := uriPrefix + "/" + edgeID + "/systemcontrol/config"
	_, err := c.do(ctx, http.MethodPut, uri, &body, nil)
	return err
}

func (c *client) GetSystemControl(ctx context.Context, edgeID string) (*SystemControlSpec, error) {
	var spec SystemControlSpec
	uri := uriPrefix + "/" + edgeID + "/systemcontrol/config"
	if _, err := c.do(ctx, http.MethodGet, uri, nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
