// Package worker implements the leaf tier of the control plane: it pulls
// one task at a time from the Dispatcher, fetches the payload from object
// storage, classifies it, and reports the result upstream.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentryfleet/sentryfleet/pkg/classifier"
	"github.com/sentryfleet/sentryfleet/pkg/log"
	"github.com/sentryfleet/sentryfleet/pkg/metrics"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/protocol"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// Config holds everything a Worker needs to run.
type Config struct {
	InstanceID        string
	FCAddr            string // fleet controller address, reserved for future FC-side worker monitoring
	AccountID         string
	DispatcherAddr    string
	HeartbeatInterval time.Duration
	LoggingInterval   time.Duration
	Store             objectstore.Store
	Classifier        classifier.Classifier
}

// Worker represents one worker process: a single-task-at-a-time
// classification loop driven by heartbeats to the Dispatcher.
type Worker struct {
	cfg    Config
	client *protocol.Client

	mu           sync.Mutex
	queue        []string
	programState types.ProgramState
	current      string
	currentStart time.Time
	lastErr      error

	stopCh chan struct{}
}

// New creates a Worker for cfg.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:          cfg,
		client:       protocol.NewClient(cfg.DispatcherAddr),
		programState: types.ProgramPending,
		stopCh:       make(chan struct{}),
	}
}

// Run starts the worker's heartbeat and processing loops. It blocks until
// ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var logTickerC <-chan time.Time
	if w.cfg.LoggingInterval > 0 {
		logTicker := time.NewTicker(w.cfg.LoggingInterval)
		defer logTicker.Stop()
		logTickerC = logTicker.C
	}

	for {
		select {
		case <-ticker.C:
			w.beat(ctx)
		case <-logTickerC:
			w.uploadLogFragment(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the worker's Run loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.client.Close()
}

// beat sends one heartbeat, handles the reply, and processes at most one
// queued task: the at-most-one-concurrent-task invariant means a new task
// is never started before the previous done has been acknowledged.
func (w *Worker) beat(ctx context.Context) {
	hb := w.buildHeartbeat()

	reply, err := w.client.Send(hb)
	if err != nil {
		log.Errorf("worker: heartbeat send failed", err)
		return
	}

	if cmd, ok := reply.(*types.Command); ok {
		w.handleCommand(cmd)
	}

	w.processNext(ctx)
}

func (w *Worker) buildHeartbeat() *types.HeartBeat {
	w.mu.Lock()
	defer w.mu.Unlock()

	hb := &types.HeartBeat{
		PacketType:    types.PacketHeartBeat,
		Time:          time.Now().Unix(),
		InstanceID:    w.cfg.InstanceID,
		InstanceType:  types.RoleWorker,
		InstanceState: types.LifecycleRunning,
		ProgramState:  w.programState,
		QueueSize:     len(w.queue),
		NoHBTask:      w.current != "" || len(w.queue) > 0,
	}
	if !w.currentStart.IsZero() {
		hb.CurrentTaskStart = w.currentStart.Unix()
	}
	return hb
}

func (w *Worker) handleCommand(cmd *types.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch cmd.Command {
	case types.CommandTask:
		if cmd.Task != "" {
			w.queue = append(w.queue, cmd.Task)
		}
	case types.CommandAck:
		// No work available this beat.
	}
}

// processNext pops the queue head and runs it to completion if the worker
// is idle.
func (w *Worker) processNext(ctx context.Context) {
	w.mu.Lock()
	if w.current != "" || len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	taskID := w.queue[0]
	w.queue = w.queue[1:]
	w.current = taskID
	w.currentStart = time.Now()
	w.programState = types.ProgramRunning
	w.mu.Unlock()

	done := w.classify(ctx, taskID)

	w.mu.Lock()
	w.current = ""
	w.currentStart = time.Time{}
	if done.err != nil {
		w.programState = types.ProgramError
		w.lastErr = done.err
	} else {
		w.programState = types.ProgramPending
	}
	w.mu.Unlock()

	reply, err := w.client.Send(done.command)
	if err != nil {
		log.Errorf("worker: send done failed", err)
		return
	}

	// A done reply can itself carry the worker's next task (direct
	// assignment or a steal), the same way a heartbeat reply does; drop it
	// and the dispatcher's processing slot for it is never drained.
	if cmd, ok := reply.(*types.Command); ok {
		w.handleCommand(cmd)
	}
}

type doneResult struct {
	command *types.Command
	err     error
}

func (w *Worker) classify(ctx context.Context, taskID string) doneResult {
	taskStart := time.Now()

	downloadStart := time.Now()
	payload, err := w.cfg.Store.DownloadFile(ctx, objectstore.BucketFiles(w.cfg.AccountID), taskID)
	downloadDuration := time.Since(downloadStart)
	metrics.DownloadDuration.Observe(downloadDuration.Seconds())
	if err != nil {
		return doneResult{
			command: &types.Command{
				PacketType: types.PacketCommand,
				Time:       time.Now().Unix(),
				Command:    types.CommandDone,
				InstanceID: w.cfg.InstanceID,
				Task:       taskID,
				TaskStart:  taskStart.Unix(),
			},
			err: fmt.Errorf("worker: download task %s: %w", taskID, err),
		}
	}

	runStart := time.Now()
	result, err := w.cfg.Classifier.Classify(ctx, string(payload))
	runDuration := time.Since(runStart)
	metrics.ClassifyDuration.Observe(runDuration.Seconds())
	if err != nil {
		return doneResult{
			command: &types.Command{
				PacketType: types.PacketCommand,
				Time:       time.Now().Unix(),
				Command:    types.CommandDone,
				InstanceID: w.cfg.InstanceID,
				Task:       taskID,
				TaskStart:  taskStart.Unix(),
			},
			err: fmt.Errorf("worker: classify task %s: %w", taskID, err),
		}
	}

	return doneResult{
		command: &types.Command{
			PacketType:     types.PacketCommand,
			Time:           time.Now().Unix(),
			Command:        types.CommandDone,
			InstanceID:     w.cfg.InstanceID,
			Task:           taskID,
			Argmax:         result.Argmax,
			TaskStart:      taskStart.Unix(),
			TimeToDownload: downloadDuration.Seconds(),
			RunTimeTask:    runDuration.Seconds(),
		},
	}
}

func (w *Worker) uploadLogFragment(ctx context.Context) {
	w.mu.Lock()
	state := w.programState
	queueLen := len(w.queue)
	w.mu.Unlock()

	line := fmt.Sprintf("time=%d state=%s queue=%d\n", time.Now().Unix(), state, queueLen)
	if err := objectstore.UploadLogFragment(ctx, w.cfg.Store, w.cfg.AccountID, w.cfg.InstanceID, []byte(line)); err != nil {
		log.Errorf("worker: log fragment upload failed", err)
	}
}

// LastError returns the error from the most recent failed task, if any.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
