// Package vcnstest provides an in-memory double of the backend manager for
// exercising pool flows without a real endpoint. By default deploys
// complete synchronously; tests that need to observe in-flight state turn
// that off and settle jobs by hand.
package vcnstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/aaronorosen/vmware-nsx/vcns"
)

// EdgeState is the double's record of one appliance. Snapshots returned by
// Edge share no storage with the live record.
type EdgeState struct {
	Edge          vcns.Edge
	Status        vcns.EdgeStatus
	Vnics         map[int]vcns.VnicConfig
	VdrInterfaces map[int]vcns.VdrInterfaceConfig
	Bindings      map[string]vcns.StaticBinding
	Dhcp          *vcns.DhcpConfig
	SystemControl []string
	Gateway       *vcns.DefaultRoute
	Routes        []vcns.StaticRoute
	Nat           []vcns.NatRule
	Firewall      *vcns.FirewallConfig

	nextIface int
}

type deployJob struct {
	task   *vcns.Task
	spec   vcns.EdgeCreateSpec
	edgeID string
}

// Backend implements vcns.Client against in-memory state.
type Backend struct {
	mu       sync.Mutex
	notifier *vcns.TaskNotifier

	auto        bool
	nextEdge    int
	nextJob     int
	nextBinding int
	nextSwitch  int

	edges     map[string]*EdgeState
	jobs      map[string]*deployJob
	lswitches map[string]vcns.Lswitch

	errs          map[string]error
	deployFailure error
	failAfterID   bool
}

// New returns a double that completes deploys synchronously.
func New() *Backend {
	return &Backend{
		notifier:  vcns.NewTaskNotifier(),
		auto:      true,
		edges:     make(map[string]*EdgeState),
		jobs:      make(map[string]*deployJob),
		lswitches: make(map[string]vcns.Lswitch),
		errs:      make(map[string]error),
	}
}

// SetAutoComplete controls whether deploys settle inside DeployEdge. With
// it off, jobs stay pending until StartDeploy and FinishDeploy.
func (b *Backend) SetAutoComplete(v bool) {
	b.mu.Lock()
	b.auto = v
	b.mu.Unlock()
}

// InjectError makes the next call of the named client method fail with
// err. Method names match the vcns.Client interface.
func (b *Backend) InjectError(method string, err error) {
	b.mu.Lock()
	b.errs[method] = err
	b.mu.Unlock()
}

// FailNextDeployJob makes the next deploy's job fail after submission.
// With afterID the job first reports an assigned edge ID, matching a
// deployment that died partway rather than at admission.
func (b *Backend) FailNextDeployJob(afterID bool, err error) {
	b.mu.Lock()
	b.deployFailure = err
	b.failAfterID = afterID
	b.mu.Unlock()
}

// SetEdgeStatus overrides an appliance's health color.
func (b *Backend) SetEdgeStatus(edgeID string, status vcns.EdgeStatus) {
	b.mu.Lock()
	if st, ok := b.edges[edgeID]; ok {
		st.Status = status
	}
	b.mu.Unlock()
}

// Edge returns a snapshot of one appliance's state.
func (b *Backend) Edge(edgeID string) (EdgeState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return EdgeState{}, false
	}
	return copyState(st), true
}

// EdgeIDs lists deployed appliances in lexical order.
func (b *Backend) EdgeIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.edges))
	for id := range b.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingDeploys lists unsettled deploy jobs in lexical order.
func (b *Backend) PendingDeploys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.jobs))
	for id := range b.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Backend) takeErr(method string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.errs[method]
	if err != nil {
		delete(b.errs, method)
	}
	return err
}

func notFound(what string) error {
	return &vcns.ManagerError{Status: 404, Detail: fmt.Sprintf("%s not found", what)}
}

func copyState(st *EdgeState) EdgeState {
	out := *st
	out.Vnics = make(map[int]vcns.VnicConfig, len(st.Vnics))
	for k, v := range st.Vnics {
		out.Vnics[k] = v
	}
	out.VdrInterfaces = make(map[int]vcns.VdrInterfaceConfig, len(st.VdrInterfaces))
	for k, v := range st.VdrInterfaces {
		out.VdrInterfaces[k] = v
	}
	out.Bindings = make(map[string]vcns.StaticBinding, len(st.Bindings))
	for k, v := range st.Bindings {
		out.Bindings[k] = v
	}
	out.Routes = append([]vcns.StaticRoute(nil), st.Routes...)
	out.Nat = append([]vcns.NatRule(nil), st.Nat...)
	out.SystemControl = append([]string(nil), st.SystemControl...)
	return out
}

func (b *Backend) Tasks() *vcns.TaskNotifier {
	return b.notifier
}

func (b *Backend) Close() error {
	return b.notifier.Close()
}

func (b *Backend) DeployEdge(ctx context.Context, job vcns.JobData, spec *vcns.EdgeCreateSpec) (*vcns.Task, error) {
	if err := b.takeErr("DeployEdge"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextJob++
	jobID := fmt.Sprintf("job-%d", b.nextJob)
	dj := &deployJob{
		task: vcns.NewTask(jobID, vcns.TaskKindDeploy, job),
		spec: *spec,
	}
	b.jobs[jobID] = dj
	failure := b.deployFailure
	afterID := b.failAfterID
	b.deployFailure, b.failAfterID = nil, false
	auto := b.auto
	b.mu.Unlock()

	if failure != nil {
		if afterID {
			b.StartDeploy(jobID)
		}
		b.FinishDeploy(jobID, failure)
		return dj.task, nil
	}
	if auto {
		b.FinishDeploy(jobID, nil)
	}
	return dj.task, nil
}

// StartDeploy assigns a pending job its edge ID and publishes the Started
// event, mirroring the backend reporting the ID mid-deploy.
func (b *Backend) StartDeploy(jobID string) (string, error) {
	b.mu.Lock()
	dj, ok := b.jobs[jobID]
	if !ok {
		b.mu.Unlock()
		return "", errors.Errorf("unknown deploy job %s", jobID)
	}
	publish := false
	if dj.edgeID == "" {
		publish = true
		b.nextEdge++
		dj.edgeID = fmt.Sprintf("edge-%d", b.nextEdge)
		st := &EdgeState{
			Edge: vcns.Edge{
				ID:     dj.edgeID,
				Name:   dj.spec.Name,
				Fqdn:   dj.spec.Fqdn,
				Tenant: dj.spec.Tenant,
				Type:   dj.spec.Type,
				Status: "deployed",
			},
			Status:        vcns.EdgeStatusGrey,
			Vnics:         make(map[int]vcns.VnicConfig),
			VdrInterfaces: make(map[int]vcns.VdrInterfaceConfig),
			Bindings:      make(map[string]vcns.StaticBinding),
		}
		if dj.spec.Appliances != nil {
			st.Edge.ApplianceSize = dj.spec.Appliances.ApplianceSize
		}
		for _, v := range dj.spec.Vnics {
			st.Vnics[v.Index] = v
		}
		b.edges[dj.edgeID] = st
	}
	edgeID := dj.edgeID
	task := dj.task
	b.mu.Unlock()

	if publish {
		task.SetEdgeID(edgeID)
		b.notifier.Publish(vcns.TaskEvent{
			Kind:    vcns.TaskKindDeploy,
			Phase:   vcns.TaskStarted,
			JobData: task.JobData,
			EdgeID:  edgeID,
		})
	}
	return edgeID, nil
}

// FinishDeploy settles a pending deploy. A nil failure completes it and
// marks the appliance GREEN; a failure after StartDeploy leaves the
// half-deployed appliance behind in RED.
func (b *Backend) FinishDeploy(jobID string, failure error) error {
	if failure == nil {
		if _, err := b.StartDeploy(jobID); err != nil {
			return err
		}
	}

	b.mu.Lock()
	dj, ok := b.jobs[jobID]
	if !ok {
		b.mu.Unlock()
		return errors.Errorf("unknown deploy job %s", jobID)
	}
	delete(b.jobs, jobID)
	edgeID := dj.edgeID
	if st, ok := b.edges[edgeID]; ok {
		if failure == nil {
			st.Status = vcns.EdgeStatusGreen
		} else {
			st.Status = vcns.EdgeStatusRed
		}
	}
	task := dj.task
	b.mu.Unlock()

	phase := vcns.TaskCompleted
	if failure != nil {
		phase = vcns.TaskFailed
	}
	b.notifier.Publish(vcns.TaskEvent{
		Kind:    vcns.TaskKindDeploy,
		Phase:   phase,
		JobData: task.JobData,
		EdgeID:  edgeID,
		Err:     failure,
	})
	task.Finish(edgeID, failure)
	return nil
}

func (b *Backend) UpdateEdge(ctx context.Context, job vcns.JobData, edgeID string, spec *vcns.EdgeUpdateSpec) (*vcns.Task, error) {
	err := b.takeErr("UpdateEdge")
	if err == nil {
		b.mu.Lock()
		st, ok := b.edges[edgeID]
		if !ok {
			err = notFound("edge " + edgeID)
		} else if spec.Name != "" {
			st.Edge.Name = spec.Name
		}
		b.mu.Unlock()
	}
	b.publishOutcome(vcns.TaskKindUpdate, job, edgeID, err)
	return vcns.CompletedTask(vcns.TaskKindUpdate, job, edgeID, err), err
}

func (b *Backend) DeleteEdge(ctx context.Context, job vcns.JobData, edgeID string) (*vcns.Task, error) {
	err := b.takeErr("DeleteEdge")
	if err == nil {
		b.mu.Lock()
		if _, ok := b.edges[edgeID]; !ok {
			err = notFound("edge " + edgeID)
		} else {
			delete(b.edges, edgeID)
		}
		b.mu.Unlock()
	}
	b.publishOutcome(vcns.TaskKindDelete, job, edgeID, err)
	return vcns.CompletedTask(vcns.TaskKindDelete, job, edgeID, err), err
}

func (b *Backend) publishOutcome(kind vcns.TaskKind, job vcns.JobData, edgeID string, err error) {
	ev := vcns.TaskEvent{Kind: kind, Phase: vcns.TaskCompleted, JobData: job, EdgeID: edgeID}
	if err != nil {
		ev.Phase = vcns.TaskFailed
		ev.Err = err
	}
	b.notifier.Publish(ev)
}

func (b *Backend) GetEdge(ctx context.Context, edgeID string) (*vcns.Edge, error) {
	if err := b.takeErr("GetEdge"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return nil, notFound("edge " + edgeID)
	}
	e := st.Edge
	return &e, nil
}

func (b *Backend) GetEdges(ctx context.Context) ([]*vcns.Edge, error) {
	if err := b.takeErr("GetEdges"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	edges := make([]*vcns.Edge, 0, len(b.edges))
	for _, st := range b.edges {
		e := st.Edge
		edges = append(edges, &e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, nil
}

func (b *Backend) GetEdgeStatus(ctx context.Context, edgeID string) (vcns.EdgeStatus, error) {
	if err := b.takeErr("GetEdgeStatus"); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return "", notFound("edge " + edgeID)
	}
	return st.Status, nil
}

func (b *Backend) UpdateInterface(ctx context.Context, edgeID string, vnic *vcns.VnicConfig) error {
	if err := b.takeErr("UpdateInterface"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	st.Vnics[vnic.Index] = *vnic
	return nil
}

func (b *Backend) DeleteInterface(ctx context.Context, edgeID string, index int) error {
	if err := b.takeErr("DeleteInterface"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	if _, ok := st.Vnics[index]; !ok {
		return notFound(fmt.Sprintf("vnic %d on edge %s", index, edgeID))
	}
	delete(st.Vnics, index)
	return nil
}

func (b *Backend) AddVdrInternalInterface(ctx context.Context, edgeID string, iface *vcns.VdrInterfaceConfig) (int, error) {
	if err := b.takeErr("AddVdrInternalInterface"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return 0, notFound("edge " + edgeID)
	}
	st.nextIface++
	patched := *iface
	patched.Index = st.nextIface
	st.VdrInterfaces[patched.Index] = patched
	return patched.Index, nil
}

func (b *Backend) DeleteVdrInternalInterface(ctx context.Context, edgeID string, index int) error {
	if err := b.takeErr("DeleteVdrInternalInterface"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	if _, ok := st.VdrInterfaces[index]; !ok {
		return notFound(fmt.Sprintf("interface %d on edge %s", index, edgeID))
	}
	delete(st.VdrInterfaces, index)
	return nil
}

func (b *Backend) CreateLswitch(ctx context.Context, spec *vcns.LswitchSpec) (*vcns.Lswitch, error) {
	if err := b.takeErr("CreateLswitch"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSwitch++
	ls := vcns.Lswitch{
		UUID:        fmt.Sprintf("lswitch-%d", b.nextSwitch),
		DisplayName: spec.DisplayName,
	}
	b.lswitches[ls.UUID] = ls
	return &ls, nil
}

func (b *Backend) DeleteLswitch(ctx context.Context, lswitchID string) error {
	if err := b.takeErr("DeleteLswitch"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lswitches[lswitchID]; !ok {
		return notFound("lswitch " + lswitchID)
	}
	delete(b.lswitches, lswitchID)
	return nil
}

// Lswitches lists logical switches in lexical UUID order.
func (b *Backend) Lswitches() []vcns.Lswitch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]vcns.Lswitch, 0, len(b.lswitches))
	for _, ls := range b.lswitches {
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (b *Backend) GetRoutes(ctx context.Context, edgeID string) (*vcns.DefaultRoute, []vcns.StaticRoute, error) {
	if err := b.takeErr("GetRoutes"); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return nil, nil, notFound("edge " + edgeID)
	}
	var gw *vcns.DefaultRoute
	if st.Gateway != nil {
		g := *st.Gateway
		gw = &g
	}
	return gw, append([]vcns.StaticRoute(nil), st.Routes...), nil
}

func (b *Backend) UpdateRoutes(ctx context.Context, edgeID string, gateway *vcns.DefaultRoute, routes []vcns.StaticRoute) error {
	if err := b.takeErr("UpdateRoutes"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	if gateway != nil {
		g := *gateway
		st.Gateway = &g
	} else {
		st.Gateway = nil
	}
	st.Routes = append([]vcns.StaticRoute(nil), routes...)
	return nil
}

func (b *Backend) UpdateNatRules(ctx context.Context, edgeID string, rules []vcns.NatRule) error {
	if err := b.takeErr("UpdateNatRules"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	st.Nat = append([]vcns.NatRule(nil), rules...)
	return nil
}

func (b *Backend) UpdateFirewall(ctx context.Context, edgeID string, cfg *vcns.FirewallConfig) error {
	if err := b.takeErr("UpdateFirewall"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	c := *cfg
	st.Firewall = &c
	return nil
}

// UpdateDhcpConfig replaces the DHCP document and reassigns binding IDs,
// the way the backend does on a full reconfigure.
func (b *Backend) UpdateDhcpConfig(ctx context.Context, edgeID string, cfg *vcns.DhcpConfig) error {
	if err := b.takeErr("UpdateDhcpConfig"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	c := *cfg
	st.Dhcp = &c
	st.Bindings = make(map[string]vcns.StaticBinding, len(cfg.StaticBindings))
	for _, binding := range cfg.StaticBindings {
		b.nextBinding++
		binding.BindingID = fmt.Sprintf("binding-%d", b.nextBinding)
		st.Bindings[binding.BindingID] = binding
	}
	return nil
}

func (b *Backend) GetDhcpBindingMappings(ctx context.Context, edgeID string) (map[string]string, error) {
	if err := b.takeErr("GetDhcpBindingMappings"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return nil, notFound("edge " + edgeID)
	}
	mappings := make(map[string]string, len(st.Bindings))
	for id, binding := range st.Bindings {
		mappings[strings.ToLower(binding.MacAddress)] = id
	}
	return mappings, nil
}

func (b *Backend) CreateDhcpStaticBinding(ctx context.Context, edgeID string, binding *vcns.StaticBinding) (string, error) {
	if err := b.takeErr("CreateDhcpStaticBinding"); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return "", notFound("edge " + edgeID)
	}
	b.nextBinding++
	stored := *binding
	stored.BindingID = fmt.Sprintf("binding-%d", b.nextBinding)
	st.Bindings[stored.BindingID] = stored
	return stored.BindingID, nil
}

func (b *Backend) DeleteDhcpStaticBinding(ctx context.Context, edgeID, bindingID string) error {
	if err := b.takeErr("DeleteDhcpStaticBinding"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	if _, ok := st.Bindings[bindingID]; !ok {
		return notFound("binding " + bindingID)
	}
	delete(st.Bindings, bindingID)
	return nil
}

func (b *Backend) SetSystemControl(ctx context.Context, edgeID string, properties []string) error {
	if err := b.takeErr("SetSystemControl"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return notFound("edge " + edgeID)
	}
	st.SystemControl = append([]string(nil), properties...)
	return nil
}

func (b *Backend) GetSystemControl(ctx context.Context, edgeID string) (*vcns.SystemControlSpec, error) {
	if err := b.takeErr("GetSystemControl"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.edges[edgeID]
	if !ok {
		return nil, notFound("edge " + edgeID)
	}
	return &vcns.SystemControlSpec{
		FeatureType: "systemcontrol",
		Property:    append([]string(nil), st.SystemControl...),
	}, nil
}

var _ vcns.Client = (*Backend)(nil)
