package vcns

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/akutz/memconn"
	"github.com/docker/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager records requests and serves canned JSON per route.
type fakeManager struct {
	mu       sync.Mutex
	requests map[string]int
	badAuth  int
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (m *fakeManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	if m.requests == nil {
		m.requests = make(map[string]int)
	}
	key := r.Method + " " + r.URL.Path
	m.requests[key]++
	if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
		m.badAuth++
	}
	m.mu.Unlock()
	m.handler(w, r)
}

func (m *fakeManager) count(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[method+" "+path]
}

// startClient serves manager over an in-memory listener and wires a client
// to it. The memconn transport keeps the tests off real sockets.
func startClient(t *testing.T, manager http.Handler, cfg Config) Client {
	addr := fmt.Sprintf("vcns-test-%s", t.Name())
	lis, err := memconn.Listen("memu", addr)
	require.NoError(t, err)

	srv := &http.Server{Handler: manager}
	go srv.Serve(lis)
	t.Cleanup(func() { srv.Close() })

	cfg.URL = "http://vcns.test"
	cfg.Username = "admin"
	cfg.Password = "secret"
	cfg.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, a string) (net.Conn, error) {
				return memconn.Dial("memu", addr)
			},
		},
	}

	c, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// chanSink funnels published task events into a channel.
type chanSink struct {
	ch chan TaskEvent
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan TaskEvent, 16)}
}

func (s *chanSink) Write(ev events.Event) error {
	s.ch <- ev.(TaskEvent)
	return nil
}

func (s *chanSink) Close() error {
	return nil
}

func (s *chanSink) next(t *testing.T) TaskEvent {
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for task event")
		return TaskEvent{}
	}
}

func TestClientDeployEdge(t *testing.T) {
	polls := 0
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/4.0/edges":
			assert.Equal(t, "true", r.URL.Query().Get("async"))
			var spec EdgeCreateSpec
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
			assert.Equal(t, "backup-aaaaaaaa-bbbb", spec.Name)
			w.Header().Set("Location", "/api/4.0/jobs/job-77")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/api/4.0/edges/jobs/job-77":
			manager.mu.Lock()
			polls++
			n := polls
			manager.mu.Unlock()
			if n == 1 {
				fmt.Fprint(w, `{"jobId": "job-77", "status": "RUNNING", "edgeId": "edge-9"}`)
			} else {
				fmt.Fprint(w, `{"jobId": "job-77", "status": "COMPLETED", "edgeId": "edge-9"}`)
			}
		default:
			http.NotFound(w, r)
		}
	}

	fc := fakeclock.NewFakeClock(time.Now())
	c := startClient(t, manager, Config{Clock: fc, TaskPollInterval: 2 * time.Second})

	sink := newChanSink()
	c.Tasks().AddSink(sink)

	task, err := c.DeployEdge(context.Background(), JobData{ResourceID: "router-1"}, &EdgeCreateSpec{
		Name:       "backup-aaaaaaaa-bbbb",
		Type:       EdgeTypeGatewayServices,
		Appliances: &Appliance{ApplianceSize: "large"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-77", task.ID)
	assert.Equal(t, "", task.EdgeID())

	fc.WaitForWatcherAndIncrement(2 * time.Second)
	ev := sink.next(t)
	assert.Equal(t, TaskKindDeploy, ev.Kind)
	assert.Equal(t, TaskStarted, ev.Phase)
	assert.Equal(t, "edge-9", ev.EdgeID)
	assert.Equal(t, "router-1", ev.JobData.ResourceID)

	fc.WaitForWatcherAndIncrement(2 * time.Second)
	ev = sink.next(t)
	assert.Equal(t, TaskCompleted, ev.Phase)
	assert.Equal(t, "edge-9", ev.EdgeID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, "edge-9", task.EdgeID())
	assert.Equal(t, 0, manager.badAuth)
}

func TestClientDeployJobFailure(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/4.0/edges":
			w.Header().Set("Location", "/api/4.0/jobs/job-13")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/api/4.0/edges/jobs/job-13":
			fmt.Fprint(w, `{"jobId": "job-13", "status": "FAILED", "edgeId": "edge-4", "message": "insufficient resources"}`)
		default:
			http.NotFound(w, r)
		}
	}

	fc := fakeclock.NewFakeClock(time.Now())
	c := startClient(t, manager, Config{Clock: fc, TaskPollInterval: 2 * time.Second})

	sink := newChanSink()
	c.Tasks().AddSink(sink)

	task, err := c.DeployEdge(context.Background(), JobData{ResourceID: "router-2"}, &EdgeCreateSpec{Name: "pool-edge"})
	require.NoError(t, err)

	fc.WaitForWatcherAndIncrement(2 * time.Second)

	ev := sink.next(t)
	assert.Equal(t, TaskStarted, ev.Phase)
	ev = sink.next(t)
	assert.Equal(t, TaskFailed, ev.Phase)
	assert.Equal(t, "edge-4", ev.EdgeID)
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "insufficient resources")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, task.Wait(ctx))
	assert.Equal(t, "edge-4", task.EdgeID())
}

func TestClientRetriesBusyEdge(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		if manager.count(http.MethodPut, r.URL.Path) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"errorCode": 10013, "details": "edge is busy"}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}

	c := startClient(t, manager, Config{Retries: 5})
	err := c.UpdateNatRules(context.Background(), "edge-1", []NatRule{
		{Action: "snat", OriginalAddress: "10.0.0.0/24", TranslatedAddress: "172.24.4.2", Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, manager.count(http.MethodPut, "/api/4.0/edges/edge-1/nat/config"))
}

func TestClientManagerErrorIsFinal(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"errorCode": 120, "details": "duplicate rule", "moduleName": "vShield Edge"}`)
	}

	c := startClient(t, manager, Config{Retries: 5})
	err := c.UpdateFirewall(context.Background(), "edge-1", &FirewallConfig{})
	require.Error(t, err)
	assert.True(t, IsManagerError(err))
	assert.False(t, IsBackendUnavailable(err))
	assert.Contains(t, err.Error(), "duplicate rule")
	assert.Equal(t, 1, manager.count(http.MethodPut, "/api/4.0/edges/edge-1/firewall/config"))
}

func TestClientBackendUnavailable(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	c := startClient(t, manager, Config{Retries: 2})
	_, err := c.GetEdges(context.Background())
	require.Error(t, err)
	assert.True(t, IsBackendUnavailable(err))
	assert.Equal(t, 2, manager.count(http.MethodGet, "/api/4.0/edges"))
}

func TestClientNotFound(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorCode": 202, "details": "edge edge-9 not found"}`)
	}

	c := startClient(t, manager, Config{Retries: 5})
	_, err := c.GetEdge(context.Background(), "edge-9")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	// Rejections other than the busy code never replay.
	assert.Equal(t, 1, manager.count(http.MethodGet, "/api/4.0/edges/edge-9"))
}

func TestClientGetEdges(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"edgePage": {"data": [
			{"id": "edge-1", "name": "backup-aaaaaaaa-bbbb", "applianceSize": "large"},
			{"id": "edge-2", "name": "dhcp-net-1", "applianceSize": "compact"}
		]}}`)
	}

	c := startClient(t, manager, Config{})
	edges, err := c.GetEdges(context.Background())
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "edge-1", edges[0].ID)
	assert.Equal(t, "backup-aaaaaaaa-bbbb", edges[0].Name)
	assert.Equal(t, "compact", edges[1].ApplianceSize)
}

func TestClientGetEdgeStatus(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("getlatest"))
		fmt.Fprint(w, `{"edgeStatus": "GREEN"}`)
	}

	c := startClient(t, manager, Config{})
	status, err := c.GetEdgeStatus(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.Equal(t, EdgeStatusGreen, status)
	assert.True(t, status.Live())
}

func TestClientDhcpBindingMappings(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"staticBindings": {"staticBindings": [
			{"bindingId": "binding-1", "macAddress": "FA:16:3E:AA:BB:CC", "ipAddress": "10.0.0.4"},
			{"bindingId": "binding-2", "macAddress": "fa:16:3e:dd:ee:ff", "ipAddress": "10.0.0.5"}
		]}}`)
	}

	c := startClient(t, manager, Config{})
	mappings, err := c.GetDhcpBindingMappings(context.Background(), "edge-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"fa:16:3e:aa:bb:cc": "binding-1",
		"fa:16:3e:dd:ee:ff": "binding-2",
	}, mappings)
}

func TestClientCreateDhcpStaticBinding(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		var binding StaticBinding
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&binding))
		assert.Equal(t, "fa:16:3e:aa:bb:cc", binding.MacAddress)
		w.Header().Set("Location", "/api/4.0/edges/edge-1/dhcp/config/bindings/binding-55")
		w.WriteHeader(http.StatusCreated)
	}

	c := startClient(t, manager, Config{})
	id, err := c.CreateDhcpStaticBinding(context.Background(), "edge-1", &StaticBinding{
		MacAddress: "fa:16:3e:aa:bb:cc",
		Hostname:   "port-1",
		IPAddress:  "10.0.0.4",
	})
	require.NoError(t, err)
	assert.Equal(t, "binding-55", id)
}

func TestClientSyncOutcomeEvents(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errorCode": 202, "details": "edge not found"}`)
		}
	}

	c := startClient(t, manager, Config{})
	sink := newChanSink()
	c.Tasks().AddSink(sink)

	task, err := c.UpdateEdge(context.Background(), JobData{ResourceID: "backup-aaaaaaaa-bbbb"}, "edge-1", &EdgeUpdateSpec{Name: "router-1"})
	require.NoError(t, err)
	require.NoError(t, task.Err())
	ev := sink.next(t)
	assert.Equal(t, TaskKindUpdate, ev.Kind)
	assert.Equal(t, TaskCompleted, ev.Phase)
	assert.Equal(t, "edge-1", ev.EdgeID)

	task, err = c.DeleteEdge(context.Background(), JobData{ResourceID: "router-1"}, "edge-2")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Error(t, task.Err())
	ev = sink.next(t)
	assert.Equal(t, TaskKindDelete, ev.Kind)
	assert.Equal(t, TaskFailed, ev.Phase)
	assert.Equal(t, "router-1", ev.JobData.ResourceID)
}

func TestClientVdrInterfacePatch(t *testing.T) {
	manager := &fakeManager{}
	manager.handler = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "patch", r.URL.Query().Get("action"))
		var body struct {
			Interfaces []VdrInterfaceConfig `json:"interfaces"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Interfaces, 1)
		body.Interfaces[0].Index = 3
		json.NewEncoder(w).Encode(body)
	}

	c := startClient(t, manager, Config{})
	index, err := c.AddVdrInternalInterface(context.Background(), "edge-1", &VdrInterfaceConfig{
		ConnectedTo: "lswitch-7",
		Type:        "internal",
		IsConnected: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, index)
}
