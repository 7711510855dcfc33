package autoscaler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideNoneBeforeAnyHeartbeat(t *testing.T) {
	a := New(2, 1, 5, 10)
	assert.Equal(t, KindNone, a.Decide(0).Kind)
}

func TestDecideCreateOnColdStart(t *testing.T) {
	// S1: first D heartbeat with tasks_waiting=1, no workers yet.
	a := New(2, 1, 5, 10)
	a.Observe(Sample{TasksWaiting: 1, WorkerAllocation: map[string]int{}})

	d := a.Decide(0)
	assert.Equal(t, KindCreate, d.Kind)
}

func TestDecideCreateOnOverload(t *testing.T) {
	// S2: 20 tasks queued, one worker, mean > maxJobsPerWorker.
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 0}
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})

	d := a.Decide(1)
	assert.Equal(t, KindCreate, d.Kind)
}

func TestDecideNoneWhenCreatePending(t *testing.T) {
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 0}
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})

	// currentWorkers already ahead of D's reported allocation: a create is
	// already in flight, so the decision should hold off.
	d := a.Decide(2)
	assert.Equal(t, KindNone, d.Kind)
}

func TestDecideNoneAtMaxWorkers(t *testing.T) {
	a := New(2, 1, 5, 2)
	alloc := map[string]int{"w1": 0, "w2": 0}
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 20, WorkerAllocation: alloc})

	d := a.Decide(2)
	assert.Equal(t, KindNone, d.Kind)
}

func TestDecideKillOnUnderload(t *testing.T) {
	// S3: 3 workers, mean = 1/3 < 1, pick the smallest allocation.
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 1, "w2": 0, "w3": 2}
	a.Observe(Sample{TasksWaiting: 0, TasksRunning: 1, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 0, TasksRunning: 1, WorkerAllocation: alloc})

	d := a.Decide(3)
	assert.Equal(t, KindKill, d.Kind)
	assert.Equal(t, "w2", d.KillTarget)
}

func TestDecideNoneWhenKillPending(t *testing.T) {
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 1, "w2": 0, "w3": 2}
	a.Observe(Sample{TasksWaiting: 0, TasksRunning: 1, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 0, TasksRunning: 1, WorkerAllocation: alloc})

	// currentWorkers already reflects the kill that hasn't shown up in D's
	// report yet.
	d := a.Decide(2)
	assert.Equal(t, KindNone, d.Kind)
}

func TestDecideNoneDoesNotKillOnlyWorkerWithWork(t *testing.T) {
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 1}
	// Window mean is pulled below minJobsPerWorker by an earlier idle
	// sample, but the latest sample still shows the lone worker busy.
	a.Observe(Sample{TasksRunning: 0, WorkerAllocation: alloc})
	a.Observe(Sample{TasksRunning: 1, WorkerAllocation: alloc})

	d := a.Decide(1)
	assert.Equal(t, KindNone, d.Kind)
}

func TestWindowDropsOldestSample(t *testing.T) {
	a := New(2, 1, 5, 10)
	alloc := map[string]int{"w1": 10}
	a.Observe(Sample{TasksWaiting: 100, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 0, WorkerAllocation: alloc})
	a.Observe(Sample{TasksWaiting: 0, WorkerAllocation: alloc})

	assert.Len(t, a.window, 2)
	assert.Equal(t, 0, a.window[0].TasksWaiting)
}
