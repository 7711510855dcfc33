package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

func TestServerClientRoundTrip(t *testing.T) {
	addr := "127.0.0.1:18099"
	srv := NewServer(addr, func(packet any) (any, error) {
		hb, ok := packet.(*types.HeartBeat)
		require.True(t, ok)
		return &types.HeartBeat{
			PacketType:    types.PacketHeartBeat,
			InstanceID:    hb.InstanceID,
			InstanceState: types.LifecycleRunning,
		}, nil
	})

	go srv.Serve()
	defer srv.Stop()
	time.Sleep(50 * time.Millisecond)

	client := NewClient(addr)
	defer client.Close()

	reply, err := client.Send(&types.HeartBeat{
		PacketType: types.PacketHeartBeat,
		InstanceID: "w-42",
	})
	require.NoError(t, err)

	hb, ok := reply.(*types.HeartBeat)
	require.True(t, ok)
	assert.Equal(t, "w-42", hb.InstanceID)
	assert.Equal(t, types.LifecycleRunning, hb.InstanceState)

	// A second send on the same client reuses the persistent connection.
	reply2, err := client.Send(&types.HeartBeat{
		PacketType: types.PacketHeartBeat,
		InstanceID: "w-43",
	})
	require.NoError(t, err)
	hb2, ok := reply2.(*types.HeartBeat)
	require.True(t, ok)
	assert.Equal(t, "w-43", hb2.InstanceID)
}
