// Package types holds the shared data model for the fleet control plane:
// instances, tasks, heartbeats, and commands exchanged between the Fleet
// Controller, Dispatcher, and Worker.
package types

import "time"

// Role identifies which tier of the control plane an instance runs.
type Role string

const (
	RoleDispatcher      Role = "dispatcher"
	RoleWorker          Role = "worker"
	RoleInstanceManager Role = "instance_manager"
)

// LifecycleState is the provider-observed VM state.
type LifecycleState string

const (
	LifecyclePending      LifecycleState = "pending"
	LifecycleRunning      LifecycleState = "running"
	LifecycleStopping     LifecycleState = "stopping"
	LifecycleStopped      LifecycleState = "stopped"
	LifecycleShuttingDown LifecycleState = "shuttingDown"
	LifecycleTerminated   LifecycleState = "terminated"
)

// ProgramState is the process-level state, orthogonal to LifecycleState.
type ProgramState string

const (
	ProgramPending  ProgramState = "pending"
	ProgramRunning  ProgramState = "running"
	ProgramStopping ProgramState = "stopping"
	ProgramError    ProgramState = "error"
)

// TaskState tracks where a task sits in the dispatcher's pipeline.
type TaskState string

const (
	TaskWaiting  TaskState = "waiting"
	TaskAssigned TaskState = "assigned"
	TaskRunning  TaskState = "running"
	TaskDone     TaskState = "done"
)

// Instance is a cloud VM tracked by the Fleet Controller.
type Instance struct {
	ID                string
	Role              Role
	LifecycleState    LifecycleState
	ProgramState      ProgramState
	PublicIP          string
	LastHeartbeatAt   time.Time
	LastStartSignalAt time.Time
	ChargeStartAt     time.Time
}

// IsHealthy reports whether the instance has heartbeated within timeout.
func (i *Instance) IsHealthy(now time.Time, timeout time.Duration) bool {
	if i.LastHeartbeatAt.IsZero() {
		return false
	}
	return now.Sub(i.LastHeartbeatAt) < timeout
}

// Task is one classification job, identified by its object-store key.
type Task struct {
	ID          string
	AssignedTo  string
	State       TaskState
	SubmittedAt time.Time
	StartedAt   time.Time
}

// PacketType discriminates the two wire message kinds.
type PacketType string

const (
	PacketHeartBeat PacketType = "HeartBeat"
	PacketCommand   PacketType = "Command"
)

// CommandKind enumerates the Command.Command values.
type CommandKind string

const (
	CommandTask   CommandKind = "task"
	CommandDone   CommandKind = "done"
	CommandStop   CommandKind = "stop"
	CommandKill   CommandKind = "kill"
	CommandSubmit CommandKind = "submit"
	CommandAck    CommandKind = "ack"
)

// HeartBeat is the periodic status message sent by every sender.
//
// Fields are a superset covering worker, dispatcher, and FC-reply
// variants; a given sender populates only the fields relevant to its
// role and leaves the rest at zero value.
type HeartBeat struct {
	PacketType    PacketType     `json:"packet_type"`
	Time          int64          `json:"time"`
	InstanceID    string         `json:"instance_id"`
	InstanceType  Role           `json:"instance_type"`
	InstanceState LifecycleState `json:"instance_state"`

	// Worker additions.
	ProgramState     ProgramState `json:"program_state,omitempty"`
	CPUUsage         float64      `json:"cpu_usage,omitempty"`
	MemUsage         float64      `json:"mem_usage,omitempty"`
	QueueSize        int          `json:"queue_size,omitempty"`
	CurrentTaskStart int64        `json:"current_task_start,omitempty"`
	NoHBTask         bool         `json:"no_hb_task,omitempty"`
	Args             string       `json:"args,omitempty"`

	// Dispatcher additions.
	TasksWaiting     int            `json:"tasks_waiting,omitempty"`
	TasksRunning     int            `json:"tasks_running,omitempty"`
	WorkerAllocation map[string]int `json:"worker_allocation,omitempty"`

	// Fleet Controller reply additions.
	WorkersRunning []string `json:"workers_running,omitempty"`
	WorkersPending []string `json:"workers_pending,omitempty"`
}

// Command carries a task assignment or lifecycle directive.
type Command struct {
	PacketType PacketType  `json:"packet_type"`
	Time       int64       `json:"time"`
	Command    CommandKind `json:"command"`

	// "task" payload.
	Task string `json:"task,omitempty"`

	// "done" payload.
	Argmax         int     `json:"argmax,omitempty"`
	InstanceID     string  `json:"instance_id,omitempty"`
	TaskStart      int64   `json:"task_start,omitempty"`
	TimeToDownload float64 `json:"time_to_download,omitempty"`
	RunTimeTask    float64 `json:"run_time_task,omitempty"`

	// "submit" payload: a live task upload over the same heartbeat
	// connection, bypassing the CSV benchmark replay path.
	Payload     []byte `json:"payload,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// FleetSnapshot is the FC's roster as of the last provider poll.
type FleetSnapshot struct {
	ObservedAt time.Time
	Instances  []*Instance
}
