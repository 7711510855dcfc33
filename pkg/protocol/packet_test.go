package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

func TestDecodeHeartBeat(t *testing.T) {
	raw := []byte(`{"packet_type":"HeartBeat","time":1700000000,"instance_id":"w-1","instance_type":"worker","instance_state":"running"}`)

	packet, err := Decode(raw)
	require.NoError(t, err)

	hb, ok := packet.(*types.HeartBeat)
	require.True(t, ok)
	assert.Equal(t, types.PacketHeartBeat, hb.PacketType)
	assert.Equal(t, "w-1", hb.InstanceID)
}

func TestDecodeCommand(t *testing.T) {
	raw := []byte(`{"packet_type":"Command","time":1700000000,"command":"noop"}`)

	packet, err := Decode(raw)
	require.NoError(t, err)

	cmd, ok := packet.(*types.Command)
	require.True(t, ok)
	assert.Equal(t, types.PacketCommand, cmd.PacketType)
}

func TestDecodeUnknownPacketType(t *testing.T) {
	raw := []byte(`{"packet_type":"Bogus"}`)

	_, err := Decode(raw)
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	hb := &types.HeartBeat{
		PacketType: types.PacketHeartBeat,
		InstanceID: "w-2",
	}

	out, err := Encode(hb)
	require.NoError(t, err)

	packet, err := Decode(out)
	require.NoError(t, err)

	got, ok := packet.(*types.HeartBeat)
	require.True(t, ok)
	assert.Equal(t, "w-2", got.InstanceID)
}

func TestEncodeUnsupportedType(t *testing.T) {
	_, err := Encode("not a packet")
	assert.Error(t, err)
}
