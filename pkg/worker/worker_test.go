package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfleet/sentryfleet/pkg/classifier"
	"github.com/sentryfleet/sentryfleet/pkg/objectstore"
	"github.com/sentryfleet/sentryfleet/pkg/protocol"
	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// fakeDispatcher hands out exactly one task command, then acks forever,
// and records done commands it receives.
type fakeDispatcher struct {
	taskID    string
	taskSent  bool
	doneCh    chan *types.Command
}

func (f *fakeDispatcher) handle(packet any) (any, error) {
	switch p := packet.(type) {
	case *types.HeartBeat:
		if !f.taskSent {
			f.taskSent = true
			return &types.Command{PacketType: types.PacketCommand, Command: types.CommandTask, Task: f.taskID}, nil
		}
		return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
	case *types.Command:
		f.doneCh <- p
		return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
	}
	return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
}

func TestWorkerProcessesAssignedTask(t *testing.T) {
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UploadFile(ctx, objectstore.BucketFiles("acct1"), "t1", []byte("you are the worst")))

	fd := &fakeDispatcher{taskID: "t1", doneCh: make(chan *types.Command, 1)}
	addr := "127.0.0.1:18199"
	srv := protocol.NewServer(addr, fd.handle)
	go srv.Serve()
	defer srv.Stop()
	time.Sleep(50 * time.Millisecond)

	w := New(Config{
		InstanceID:        "w1",
		AccountID:         "acct1",
		DispatcherAddr:    addr,
		HeartbeatInterval: 20 * time.Millisecond,
		Store:             store,
		Classifier:        classifier.NewStub(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	select {
	case done := <-fd.doneCh:
		assert.Equal(t, types.CommandDone, done.Command)
		assert.Equal(t, "t1", done.Task)
		assert.Equal(t, "w1", done.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done command")
	}

	assert.NoError(t, w.LastError())
}

// chainDispatcher hands out a first task, then replies to that task's done
// command with a second task assignment instead of an ack, exercising the
// path where a done reply carries the worker's next task.
type chainDispatcher struct {
	mu           sync.Mutex
	firstTaskID  string
	secondTaskID string
	sentFirst    bool
	doneCh       chan *types.Command
}

func (f *chainDispatcher) handle(packet any) (any, error) {
	switch p := packet.(type) {
	case *types.HeartBeat:
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.sentFirst {
			f.sentFirst = true
			return &types.Command{PacketType: types.PacketCommand, Command: types.CommandTask, Task: f.firstTaskID}, nil
		}
		return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
	case *types.Command:
		f.doneCh <- p
		if p.Task == f.firstTaskID {
			return &types.Command{PacketType: types.PacketCommand, Command: types.CommandTask, Task: f.secondTaskID}, nil
		}
		return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
	}
	return &types.Command{PacketType: types.PacketCommand, Command: types.CommandAck}, nil
}

func TestWorkerEnqueuesTaskFromDoneReply(t *testing.T) {
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UploadFile(ctx, objectstore.BucketFiles("acct1"), "t1", []byte("you are the worst")))
	require.NoError(t, store.UploadFile(ctx, objectstore.BucketFiles("acct1"), "t2", []byte("have a nice day")))

	fd := &chainDispatcher{firstTaskID: "t1", secondTaskID: "t2", doneCh: make(chan *types.Command, 2)}
	addr := "127.0.0.1:18201"
	srv := protocol.NewServer(addr, fd.handle)
	go srv.Serve()
	defer srv.Stop()
	time.Sleep(50 * time.Millisecond)

	w := New(Config{
		InstanceID:        "w3",
		AccountID:         "acct1",
		DispatcherAddr:    addr,
		HeartbeatInterval: 20 * time.Millisecond,
		Store:             store,
		Classifier:        classifier.NewStub(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	defer cancel()

	seen := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		select {
		case done := <-fd.doneCh:
			seen[done.Task] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for done command")
		}
	}
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

func TestWorkerReportsErrorOnMissingPayload(t *testing.T) {
	store, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	fd := &fakeDispatcher{taskID: "missing-task", doneCh: make(chan *types.Command, 1)}
	addr := "127.0.0.1:18200"
	srv := protocol.NewServer(addr, fd.handle)
	go srv.Serve()
	defer srv.Stop()
	time.Sleep(50 * time.Millisecond)

	w := New(Config{
		InstanceID:        "w2",
		AccountID:         "acct1",
		DispatcherAddr:    addr,
		HeartbeatInterval: 20 * time.Millisecond,
		Store:             store,
		Classifier:        classifier.NewStub(),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go w.Run(runCtx)
	defer cancel()

	select {
	case <-fd.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for done command")
	}

	// give the worker goroutine a moment to update state after sending done
	time.Sleep(50 * time.Millisecond)
	assert.Error(t, w.LastError())
}
