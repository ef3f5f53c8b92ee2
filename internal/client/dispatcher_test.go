package client

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xiaoruiguo/crowbar-core/internal/metrics"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

// MockRunner is a mock implementation of Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, node *model.Node, command string) (*Result, error) {
	args := m.Called(ctx, node.Name, command)
	var result *Result
	if r := args.Get(0); r != nil {
		result = r.(*Result)
	}
	return result, args.Error(1)
}

func newTestDispatcher(t *testing.T, runner Runner) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(runner, DefaultCommands(), metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	return d
}

func testNodes(names ...string) []*model.Node {
	nodes := make([]*model.Node, 0, len(names))
	for _, name := range names {
		nodes = append(nodes, &model.Node{Name: name})
	}
	return nodes
}

func TestNewDispatcher_MissingCommand(t *testing.T) {
	commands := DefaultCommands()
	delete(commands, ActionRevert)

	_, err := NewDispatcher(new(MockRunner), commands, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	assert.Error(t, err)
}

func TestNewDispatcher_InvalidTemplate(t *testing.T) {
	commands := DefaultCommands()
	commands[ActionStopService] = "systemctl stop {{.Service"

	_, err := NewDispatcher(new(MockRunner), commands, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	assert.Error(t, err)
}

func TestDispatcher_Render(t *testing.T) {
	d := newTestDispatcher(t, new(MockRunner))

	cmd, err := d.Render(ActionStopService, CommandVars{Node: "n1", Service: "openstack-nova-api"})
	require.NoError(t, err)
	assert.Equal(t, "systemctl stop openstack-nova-api && ! systemctl is-active --quiet openstack-nova-api", cmd)

	_, err = d.Render(Action("reboot"), CommandVars{})
	assert.Error(t, err)
}

func TestDispatcher_Broadcast_AllSucceed(t *testing.T) {
	runner := new(MockRunner)
	d := newTestDispatcher(t, runner)

	upgrade := DefaultCommands()[ActionUpgrade]
	runner.On("Run", mock.Anything, "n1", upgrade).Return(&Result{ExitCode: 0, Stdout: "done"}, nil)
	runner.On("Run", mock.Anything, "n2", upgrade).Return(&Result{ExitCode: 0}, nil)
	runner.On("Run", mock.Anything, "n3", upgrade).Return(&Result{ExitCode: 0}, nil)

	outcomes := d.Broadcast(context.Background(), testNodes("n3", "n1", "n2"), ActionUpgrade)

	require.Len(t, outcomes, 3)
	assert.Equal(t, "n1", outcomes[0].Node)
	assert.Equal(t, "n2", outcomes[1].Node)
	assert.Equal(t, "n3", outcomes[2].Node)
	assert.Empty(t, Failures(outcomes))
	runner.AssertExpectations(t)
}

func TestDispatcher_Broadcast_NonZeroExitAndTransportError(t *testing.T) {
	runner := new(MockRunner)
	d := newTestDispatcher(t, runner)

	upgrade := DefaultCommands()[ActionUpgrade]
	runner.On("Run", mock.Anything, "n1", upgrade).Return(&Result{ExitCode: 0}, nil)
	runner.On("Run", mock.Anything, "n2", upgrade).Return(&Result{ExitCode: 3, Stderr: "conflict"}, nil)
	runner.On("Run", mock.Anything, "n3", upgrade).Return(nil, stderrors.New("connection refused"))

	outcomes := d.Broadcast(context.Background(), testNodes("n1", "n2", "n3"), ActionUpgrade)

	failures := Failures(outcomes)
	require.Len(t, failures, 2)
	assert.Equal(t, "n2", failures[0].Node)
	assert.Equal(t, 3, failures[0].ExitCode)
	assert.Equal(t, "conflict", failures[0].Stderr)
	assert.Equal(t, "n3", failures[1].Node)
	assert.Equal(t, -1, failures[1].ExitCode)
	assert.Equal(t, "connection refused", failures[1].Error)
}

func TestDispatcher_BroadcastEach_StopsAtFirstFailure(t *testing.T) {
	runner := new(MockRunner)
	d := newTestDispatcher(t, runner)

	stopA, err := d.Render(ActionStopService, CommandVars{Service: "a"})
	require.NoError(t, err)
	stopB, err := d.Render(ActionStopService, CommandVars{Service: "b"})
	require.NoError(t, err)

	runner.On("Run", mock.Anything, "n1", stopA).Return(&Result{ExitCode: 1}, nil)

	outcomes := d.BroadcastEach(context.Background(), testNodes("n1", "n2"), ActionStopService,
		func(node *model.Node) []CommandVars {
			if node.Name == "n2" {
				return nil
			}
			return []CommandVars{{Service: "a"}, {Service: "b"}}
		})

	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Failed())
	assert.False(t, outcomes[1].Failed())
	runner.AssertNotCalled(t, "Run", mock.Anything, "n1", stopB)
	runner.AssertNotCalled(t, "Run", mock.Anything, "n2", mock.Anything)
}
