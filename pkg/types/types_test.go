package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInstanceIsHealthy(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		inst    Instance
		timeout time.Duration
		want    bool
	}{
		{"never heartbeated", Instance{}, 30 * time.Second, false},
		{"recent heartbeat", Instance{LastHeartbeatAt: now.Add(-5 * time.Second)}, 30 * time.Second, true},
		{"stale heartbeat", Instance{LastHeartbeatAt: now.Add(-60 * time.Second)}, 30 * time.Second, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.inst.IsHealthy(now, tc.timeout))
		})
	}
}

func TestHeartBeatJSONTags(t *testing.T) {
	hb := HeartBeat{
		PacketType:    PacketHeartBeat,
		Time:          1700000000,
		InstanceID:    "w-1",
		InstanceType:  RoleWorker,
		InstanceState: LifecycleRunning,
		ProgramState:  ProgramRunning,
		QueueSize:     2,
	}

	data, err := json.Marshal(hb)
	assert.NoError(t, err)

	var round map[string]any
	assert.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, "HeartBeat", round["packet_type"])
	assert.Equal(t, "w-1", round["instance_id"])
	assert.Equal(t, "worker", round["instance_type"])
	// zero-value optional fields are omitted.
	_, hasCPU := round["cpu_usage"]
	assert.False(t, hasCPU)
}

func TestCommandJSONTags(t *testing.T) {
	cmd := Command{
		PacketType: PacketCommand,
		Command:    CommandTask,
		Task:       "s3://files/abc.txt",
	}

	data, err := json.Marshal(cmd)
	assert.NoError(t, err)

	var round map[string]any
	assert.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, "Command", round["packet_type"])
	assert.Equal(t, "task", round["command"])
	assert.Equal(t, "s3://files/abc.txt", round["task"])
}
