// Package protocol implements a custom JSON-over-TCP wire format: one
// UTF-8 JSON object per message, read in chunks of up to 1024 bytes,
// with one-request-one-reply framing per connection. There is no gRPC
// or protobuf here; the wire format is a deliberate, minimal contract
// between the Fleet Controller, Dispatcher, and Workers.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/sentryfleet/sentryfleet/pkg/types"
)

// Envelope is the minimal shape needed to read packet_type before deciding
// how to unmarshal the rest of a message.
type Envelope struct {
	PacketType types.PacketType `json:"packet_type"`
}

// Decode inspects packet_type and unmarshals raw into either a HeartBeat or
// a Command, returned as `any`. Callers type-switch on the result.
func Decode(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch env.PacketType {
	case types.PacketHeartBeat:
		var hb types.HeartBeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			return nil, fmt.Errorf("protocol: decode heartbeat: %w", err)
		}
		return &hb, nil
	case types.PacketCommand:
		var cmd types.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			return nil, fmt.Errorf("protocol: decode command: %w", err)
		}
		return &cmd, nil
	default:
		return nil, fmt.Errorf("protocol: unknown packet_type %q", env.PacketType)
	}
}

// Encode marshals a HeartBeat or Command back to its wire form.
func Encode(packet any) ([]byte, error) {
	switch p := packet.(type) {
	case *types.HeartBeat, *types.Command:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", packet)
	}
}
