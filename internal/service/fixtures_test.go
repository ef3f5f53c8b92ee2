package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xiaoruiguo/crowbar-core/internal/client"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"github.com/xiaoruiguo/crowbar-core/internal/store"
	"go.uber.org/zap"
)

// MockRunner is a mock implementation of client.Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, node *model.Node, command string) (*client.Result, error) {
	args := m.Called(ctx, node.Name, command)
	var result *client.Result
	if r := args.Get(0); r != nil {
		result = r.(*client.Result)
	}
	return result, args.Error(1)
}

// stubPrecheck returns canned results and counts its runs
type stubPrecheck struct {
	name     string
	required bool
	errs     map[string]string
	err      error
	runs     int32
}

func (c *stubPrecheck) Name() string   { return c.name }
func (c *stubPrecheck) Required() bool { return c.required }

func (c *stubPrecheck) Run(ctx context.Context, nodes []*model.Node) (map[string]string, error) {
	atomic.AddInt32(&c.runs, 1)
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]string, len(c.errs))
	for k, v := range c.errs {
		out[k] = v
	}
	return out, nil
}

func passingPrechecks() (Prechecks, map[string]*stubPrecheck) {
	stubs := map[string]*stubPrecheck{
		model.CheckSanity:             {name: model.CheckSanity, required: true},
		model.CheckNetwork:            {name: model.CheckNetwork, required: true},
		model.CheckMaintenanceUpdates: {name: model.CheckMaintenanceUpdates, required: true},
		model.CheckHAConfigured:       {name: model.CheckHAConfigured},
	}
	return Prechecks{
		Sanity:      stubs[model.CheckSanity],
		Network:     stubs[model.CheckNetwork],
		Maintenance: stubs[model.CheckMaintenanceUpdates],
		HAPresence:  stubs[model.CheckHAConfigured],
	}, stubs
}

func testCatalog(t *testing.T) *model.Catalog {
	t.Helper()
	catalog, err := model.NewCatalog(map[model.Feature]model.Capability{
		model.FeatureOS: {AdminRequired: true},
		model.FeatureOpenStack: {
			AdminRequired: true,
			Cookbooks: map[string][]string{
				"nova":     {"nova-api", "nova-compute"},
				"storage":  {"api", "worker"},
				"keystone": {"apache2"},
			},
		},
		model.FeatureCeph: {
			Cookbooks: map[string][]string{"ceph": {"ceph-osd"}},
		},
		model.FeatureHA: {
			Cookbooks: map[string][]string{"pacemaker": {"pacemaker"}},
		},
	})
	require.NoError(t, err)
	return catalog
}

// testNodes returns a three node cluster running the ceph and ha addons
func testNodes() []*model.Node {
	return []*model.Node{
		{
			Name:         "n1.example.com",
			Alias:        "controller1",
			Architecture: "x86_64",
			Platform:     "suse-12.2",
			Roles:        []string{"core", "nova-controller", "storage-server", "pacemaker-cluster-member", "ceph-mon"},
		},
		{
			Name:         "n2.example.com",
			Alias:        "compute1",
			Architecture: "x86_64",
			Platform:     "suse-12.2",
			Roles:        []string{"core", "nova-compute-kvm"},
		},
		{
			Name:         "n3.example.com",
			Alias:        "compute2",
			Architecture: "x86_64",
			Platform:     "suse-12.2",
			Roles:        []string{"core", "nova-compute-kvm", "ceph-osd"},
		},
	}
}

type testEnv struct {
	nodes    *store.MemoryNodeDirectory
	docs     *store.MemoryDocumentStore
	states   *store.MemoryStateStore
	lock     store.TransitionLock
	runner   *MockRunner
	stubs    map[string]*stubPrecheck
	catalog  *model.Catalog
	restarts *RestartService
	upgrade  *UpgradeService
}

func newTestEnv(t *testing.T, nodes ...*model.Node) *testEnv {
	t.Helper()
	runner := new(MockRunner)
	env := newTestEnvWith(t, runner, store.NewMemoryTransitionLock(), nodes...)
	env.runner = runner
	return env
}

// newTestEnvWith wires the services around the given runner and lock
func newTestEnvWith(t *testing.T, runner client.Runner, lock store.TransitionLock, nodes ...*model.Node) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	env := &testEnv{
		nodes:   store.NewMemoryNodeDirectory(logger, nodes...),
		docs:    store.NewMemoryDocumentStore(),
		states:  store.NewMemoryStateStore(),
		lock:    lock,
		catalog: testCatalog(t),
	}

	dispatcher, err := client.NewDispatcher(runner, client.DefaultCommands(), m, logger)
	require.NoError(t, err)

	prechecks, stubs := passingPrechecks()
	env.stubs = stubs
	env.restarts = NewRestartService(env.nodes, env.docs, env.catalog, m, logger)
	env.upgrade = NewUpgradeService(env.nodes, env.states, env.lock, dispatcher, env.restarts,
		env.catalog, prechecks, UpgradeConfig{InstanceID: "test"}, m, logger)
	return env
}

// slowRunner succeeds after delay unless ctx is cancelled first
type slowRunner struct {
	delay     time.Duration
	started   chan string
	completed int32
}

func (r *slowRunner) Run(ctx context.Context, node *model.Node, command string) (*client.Result, error) {
	r.started <- node.Name
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.delay):
		atomic.AddInt32(&r.completed, 1)
		return &client.Result{Stdout: "ok"}, nil
	}
}

// losingLock hands out leases that report the lock as lost
type losingLock struct{}

func (losingLock) Acquire(ctx context.Context, owner string) (store.Lease, error) {
	return lostLease{}, nil
}

type lostLease struct{}

func (lostLease) Err() error                        { return store.ErrLockLost }
func (lostLease) Release(ctx context.Context) error { return store.ErrLockLost }

func (e *testEnv) setPhase(t *testing.T, phase model.UpgradePhase) {
	t.Helper()
	require.NoError(t, e.states.Save(context.Background(), &model.UpgradeState{Phase: phase, Addons: []string{}}))
}

func (e *testEnv) phase(t *testing.T) model.UpgradePhase {
	t.Helper()
	state, err := e.states.Load(context.Background())
	if err == store.ErrNotFound {
		return model.PhaseIdle
	}
	require.NoError(t, err)
	return state.Phase
}

func (e *testEnv) node(t *testing.T, name string) *model.Node {
	t.Helper()
	node, err := e.nodes.FindByNameOrAlias(context.Background(), name)
	require.NoError(t, err)
	return node
}
