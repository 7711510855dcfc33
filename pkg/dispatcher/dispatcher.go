// Package dispatcher implements the middle tier of the control plane: it
// holds the task pool, assigns tasks to workers, steals across workers for
// balance, and forwards aggregate load upstream to the Fleet Controller.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentryfleet/sentryfleet/pkg/events"
	"github.com/sentryfleet/sentryfleet/pkg/log"
	"github.com/sentryfleet/sentryfleet/pkg/metrics"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// stealThreshold is the minimum assigned-queue depth a victim must have
// before a steal is attempted; below it, stealing would just bounce the
// task back on the next tick.
const stealThreshold = 2

// Dispatcher holds the task pool and per-worker assignment/processing
// queues. All mutation happens under mu; it is safe for concurrent use from
// the protocol server's per-connection goroutines.
type Dispatcher struct {
	mu sync.Mutex

	store     objectstore.Store
	broker    *events.Broker
	accountID string
	selfID    string

	waiting    []*types.Task
	assigned   map[string][]*types.Task
	processing map[string]*types.Task

	stopCh chan struct{}
}

// New creates a Dispatcher backed by store for task payloads, publishing
// lifecycle events on broker. accountID scopes the object storage buckets
// it reads and writes; selfID identifies it in its own log fragments.
func New(store objectstore.Store, broker *events.Broker, accountID, selfID string) *Dispatcher {
	return &Dispatcher{
		store:      store,
		broker:     broker,
		accountID:  accountID,
		selfID:     selfID,
		assigned:   make(map[string][]*types.Task),
		processing: make(map[string]*types.Task),
		stopCh:     make(chan struct{}),
	}
}

// SubmitTask uploads payload to object storage, mints a task id, and
// appends it to the waiting queue. Returns the minted task id.
func (d *Dispatcher) SubmitTask(ctx context.Context, payload []byte) (string, error) {
	taskID := uuid.New().String()

	if err := d.store.UploadFile(ctx, objectstore.BucketFiles(d.accountID), taskID, payload); err != nil {
		return "", fmt.Errorf("dispatcher: upload task payload: %w", err)
	}

	d.mu.Lock()
	d.waiting = append(d.waiting, &types.Task{
		ID:          taskID,
		State:       types.TaskWaiting,
		SubmittedAt: time.Now(),
	})
	d.mu.Unlock()

	d.broker.Publish(&events.Event{Kind: events.KindTaskSubmitted, TaskID: taskID})
	metrics.TasksWaiting.Inc()

	return taskID, nil
}

// OnWorkerHeartbeat handles a heartbeat from a worker: if it has nothing in
// processing but has an assigned task waiting, it is handed the next task;
// otherwise an ack command is returned (not a heartbeat).
func (d *Dispatcher) OnWorkerHeartbeat(hb *types.HeartBeat) *types.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	workerID := hb.InstanceID
	if _, known := d.assigned[workerID]; !known {
		d.initWorkerLocked(workerID)
	}

	if _, busy := d.processing[workerID]; !busy && !hb.NoHBTask {
		if task := d.popAssignedLocked(workerID); task != nil {
			task.State = types.TaskRunning
			task.StartedAt = time.Now()
			d.processing[workerID] = task
			metrics.TasksRunning.Inc()

			d.broker.Publish(&events.Event{Kind: events.KindTaskAssigned, TaskID: task.ID, InstanceID: workerID})
			return &types.Command{
				PacketType: types.PacketCommand,
				Time:       time.Now().Unix(),
				Command:    types.CommandTask,
				Task:       task.ID,
			}
		}
	}

	return &types.Command{
		PacketType: types.PacketCommand,
		Time:       time.Now().Unix(),
		Command:    types.CommandAck,
	}
}

// OnWorkerDone handles a worker's completion report: it retires the
// processing-slot task, tries to hand the worker its next assigned task or
// steal one for it, and acknowledges otherwise.
func (d *Dispatcher) OnWorkerDone(cmd *types.Command) *types.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	workerID := cmd.InstanceID
	if task, ok := d.processing[workerID]; ok {
		task.State = types.TaskDone
		delete(d.processing, workerID)
		metrics.TasksRunning.Dec()
		metrics.TasksFinishedTotal.Inc()
		d.broker.Publish(&events.Event{Kind: events.KindTaskFinished, TaskID: task.ID, InstanceID: workerID})
	}

	if task := d.popAssignedLocked(workerID); task != nil {
		task.State = types.TaskRunning
		task.StartedAt = time.Now()
		d.processing[workerID] = task
		metrics.TasksRunning.Inc()
		return &types.Command{PacketType: types.PacketCommand, Time: time.Now().Unix(), Command: types.CommandTask, Task: task.ID}
	}

	if task := d.stealForLocked(workerID); task != nil {
		metrics.TasksStolenTotal.Inc()
		metrics.TasksRunning.Inc()
		d.broker.Publish(&events.Event{Kind: events.KindTaskStolen, TaskID: task.ID, InstanceID: workerID})
		return &types.Command{PacketType: types.PacketCommand, Time: time.Now().Unix(), Command: types.CommandTask, Task: task.ID}
	}

	return &types.Command{PacketType: types.PacketCommand, Time: time.Now().Unix(), Command: types.CommandAck}
}

// stealForLocked attempts to steal one task from the most-loaded peer's
// assigned queue for workerID, placing it directly into processing (the
// worker is about to ask for it on its very next beat, and parking it in
// `assigned` first would just cost one extra round trip). Caller must hold
// mu.
func (d *Dispatcher) stealForLocked(workerID string) *types.Task {
	if len(d.assigned[workerID]) > 0 {
		return nil
	}

	victim := d.mostLoadedLocked()
	if victim == "" || victim == workerID {
		return nil
	}
	if len(d.assigned[victim]) < stealThreshold {
		return nil
	}

	queue := d.assigned[victim]
	task := queue[len(queue)-1]
	d.assigned[victim] = queue[:len(queue)-1]

	task.AssignedTo = workerID
	task.State = types.TaskRunning
	task.StartedAt = time.Now()
	d.processing[workerID] = task
	return task
}

func (d *Dispatcher) mostLoadedLocked() string {
	var best string
	bestLen := -1
	for w, q := range d.assigned {
		if len(q) > bestLen || (len(q) == bestLen && w < best) {
			bestLen = len(q)
			best = w
		}
	}
	return best
}

// OnControllerHeartbeat reconciles the local worker set against the Fleet
// Controller's authoritative roster: departed workers' assigned tasks are
// returned to the waiting queue, and new workers get empty queues.
func (d *Dispatcher) OnControllerHeartbeat(roster *types.HeartBeat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := make(map[string]bool, len(roster.WorkersRunning)+len(roster.WorkersPending))
	for _, w := range roster.WorkersRunning {
		live[w] = true
	}
	for _, w := range roster.WorkersPending {
		live[w] = true
	}

	for worker := range d.assigned {
		if live[worker] {
			continue
		}
		for _, task := range d.assigned[worker] {
			task.State = types.TaskWaiting
			task.AssignedTo = ""
			d.waiting = append(d.waiting, task)
			metrics.TasksWaiting.Inc()
			metrics.TasksReclaimedTotal.Inc()
		}
		if task, ok := d.processing[worker]; ok {
			task.State = types.TaskWaiting
			task.AssignedTo = ""
			d.waiting = append(d.waiting, task)
			delete(d.processing, worker)
			metrics.TasksRunning.Dec()
			metrics.TasksWaiting.Inc()
			metrics.TasksReclaimedTotal.Inc()
		}
		delete(d.assigned, worker)
		d.broker.Publish(&events.Event{Kind: events.KindTaskReclaimed, InstanceID: worker})
	}

	for worker := range live {
		d.initWorkerLocked(worker)
	}
}

func (d *Dispatcher) initWorkerLocked(workerID string) {
	if _, ok := d.assigned[workerID]; !ok {
		d.assigned[workerID] = nil
	}
}

func (d *Dispatcher) popAssignedLocked(workerID string) *types.Task {
	queue := d.assigned[workerID]
	if len(queue) == 0 {
		return nil
	}
	task := queue[0]
	d.assigned[workerID] = queue[1:]
	return task
}

// Distribute runs one pass of the least-loaded distribution algorithm,
// moving waiting tasks onto the assignment queue of whichever known worker
// currently has the fewest assigned tasks.
func (d *Dispatcher) Distribute() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.assigned) == 0 {
		return
	}

	for len(d.waiting) > 0 {
		worker := d.leastLoadedLocked()
		if worker == "" {
			return
		}
		task := d.waiting[0]
		d.waiting = d.waiting[1:]
		metrics.TasksWaiting.Dec()
		task.State = types.TaskAssigned
		task.AssignedTo = worker
		d.assigned[worker] = append(d.assigned[worker], task)
	}
}

func (d *Dispatcher) leastLoadedLocked() string {
	if len(d.assigned) == 0 {
		return ""
	}
	workers := make([]string, 0, len(d.assigned))
	for w := range d.assigned {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	best := workers[0]
	bestLen := len(d.assigned[best])
	for _, w := range workers[1:] {
		if l := len(d.assigned[w]); l < bestLen {
			best, bestLen = w, l
		}
	}
	return best
}

// LoadReport summarizes current load for the Dispatcher's upward heartbeat
// to the Fleet Controller.
type LoadReport struct {
	TasksWaiting     int
	TasksRunning     int
	WorkerAllocation map[string]int
}

// Report snapshots current load for the dispatcher's upward heartbeat:
// tasksWaiting includes queued-but-unassigned plus assigned tasks,
// tasksRunning is the processing count, and workerAllocation sums both
// per worker.
func (d *Dispatcher) Report() LoadReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	waiting := len(d.waiting)
	for _, q := range d.assigned {
		waiting += len(q)
	}

	alloc := make(map[string]int, len(d.assigned))
	for w, q := range d.assigned {
		count := len(q)
		if _, ok := d.processing[w]; ok {
			count++
		}
		alloc[w] = count
	}

	return LoadReport{
		TasksWaiting:     waiting,
		TasksRunning:     len(d.processing),
		WorkerAllocation: alloc,
	}
}

// Run starts the dispatcher's periodic distribution loop, ticking at
// interval until ctx is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Distribute()
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the dispatcher's Run loop.
func (d *Dispatcher) Stop() {
	log.Info("dispatcher: stopping")
	close(d.stopCh)
}

// RunLogUploader periodically uploads a load-summary log fragment to the
// logging bucket, ticking at interval until ctx is cancelled or Stop is
// called. A non-positive interval disables it.
func (d *Dispatcher) RunLogUploader(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.uploadLogFragment(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) uploadLogFragment(ctx context.Context) {
	report := d.Report()
	line := fmt.Sprintf("time=%d waiting=%d running=%d workers=%d\n",
		time.Now().Unix(), report.TasksWaiting, report.TasksRunning, len(report.WorkerAllocation))
	if err := objectstore.UploadLogFragment(ctx, d.store, d.accountID, d.selfID, []byte(line)); err != nil {
		log.Errorf("dispatcher: log fragment upload failed", err)
	}
}
