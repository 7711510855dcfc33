package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfleet/sentryfleet/pkg/events"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, broker, "acct1", "d1")
}

func TestSubmitTaskEntersWaitingQueue(t *testing.T) {
	d := newTestDispatcher(t)
	id, err := d.SubmitTask(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	report := d.Report()
	assert.Equal(t, 1, report.TasksWaiting)
}

func TestOnControllerHeartbeatInitializesWorkers(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1", "w2"}})

	report := d.Report()
	assert.Len(t, report.WorkerAllocation, 2)
}

func TestDistributeAssignsLeastLoaded(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1", "w2"}})

	_, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)
	_, err = d.SubmitTask(context.Background(), []byte("t2"))
	require.NoError(t, err)

	d.Distribute()

	assert.Len(t, d.assigned["w1"], 1)
	assert.Len(t, d.assigned["w2"], 1)
}

func TestOnWorkerHeartbeatHandsOutAssignedTask(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1"}})
	taskID, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)
	d.Distribute()

	reply := d.OnWorkerHeartbeat(&types.HeartBeat{InstanceID: "w1"})
	assert.Equal(t, types.CommandTask, reply.Command)
	assert.Equal(t, taskID, reply.Task)
}

func TestOnWorkerHeartbeatRespectsNoHBTask(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1"}})
	_, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)
	d.Distribute()

	reply := d.OnWorkerHeartbeat(&types.HeartBeat{InstanceID: "w1", NoHBTask: true})
	assert.Equal(t, types.CommandAck, reply.Command)
}

func TestOnWorkerDoneDispatchesNextAssignedTask(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1"}})
	_, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)
	_, err = d.SubmitTask(context.Background(), []byte("t2"))
	require.NoError(t, err)
	d.Distribute()

	first := d.OnWorkerHeartbeat(&types.HeartBeat{InstanceID: "w1"})
	require.Equal(t, types.CommandTask, first.Command)

	reply := d.OnWorkerDone(&types.Command{InstanceID: "w1"})
	assert.Equal(t, types.CommandTask, reply.Command)
}

func TestOnWorkerDoneStealsWhenIdle(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1", "w2"}})

	for i := 0; i < 3; i++ {
		_, err := d.SubmitTask(context.Background(), []byte("t"))
		require.NoError(t, err)
	}

	// Force all three tasks onto w1 directly to simulate a loaded victim.
	d.mu.Lock()
	for len(d.waiting) > 0 {
		task := d.waiting[0]
		d.waiting = d.waiting[1:]
		task.AssignedTo = "w1"
		d.assigned["w1"] = append(d.assigned["w1"], task)
	}
	d.mu.Unlock()

	// w2 reports done with nothing assigned and nothing processing: it
	// should steal from w1, whose assigned queue (3) is above the threshold.
	reply := d.OnWorkerDone(&types.Command{InstanceID: "w2"})
	assert.Equal(t, types.CommandTask, reply.Command)

	d.mu.Lock()
	assert.Len(t, d.assigned["w1"], 2)
	d.mu.Unlock()
}

func TestOnWorkerDoneNoStealBelowThreshold(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1", "w2"}})

	_, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)

	d.mu.Lock()
	task := d.waiting[0]
	d.waiting = nil
	task.AssignedTo = "w1"
	d.assigned["w1"] = append(d.assigned["w1"], task)
	d.mu.Unlock()

	reply := d.OnWorkerDone(&types.Command{InstanceID: "w2"})
	assert.Equal(t, types.CommandAck, reply.Command)
}

func TestOnControllerHeartbeatReclaimsDepartedWorker(t *testing.T) {
	d := newTestDispatcher(t)
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{"w1"}})
	_, err := d.SubmitTask(context.Background(), []byte("t1"))
	require.NoError(t, err)
	d.Distribute()

	// w1 drops off the FC's roster.
	d.OnControllerHeartbeat(&types.HeartBeat{WorkersRunning: []string{}})

	report := d.Report()
	assert.Equal(t, 1, report.TasksWaiting)
	assert.Empty(t, report.WorkerAllocation)
}
