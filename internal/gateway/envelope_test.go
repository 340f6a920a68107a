package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope_KnownKinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Kind
	}{
		{"request", `{"type":"request","requestId":"gw-1-1","deliveryMode":"sync","message":{"id":"m-1"}}`, KindRequest},
		{"ack", `{"type":"ack","requestId":"gw-1-1","accepted":true,"gatewayId":"codex-7"}`, KindAck},
		{"result", `{"type":"result","requestId":"gw-1-1","success":true,"output":{"n":1}}`, KindResult},
		{"input", `{"type":"input","target":"orchestrator","sender":"codex","message":{"text":"hello"}}`, KindInput},
		{"event", `{"type":"event","name":"heartbeat","payload":{"agentId":"codex-7"}}`, KindEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.line))
			require.NoError(t, err)
			require.Equal(t, tt.want, env.Type)
		})
	}
}

func TestDecodeEnvelope_RejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello world`},
		{"partial json", `{"type":"result"`},
		{"no type", `{"requestId":"gw-1-1"}`},
		{"unknown type", `{"type":"telemetry"}`},
		{"json array", `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.line))
			require.Error(t, err)
		})
	}
}

func TestEnvelope_EncodeOmitsForeignFields(t *testing.T) {
	env := &Envelope{
		Type:         KindRequest,
		RequestID:    "gw-99-1",
		DeliveryMode: DeliverSync,
		Message:      json.RawMessage(`{"id":"m-1","type":"chat.message"}`),
	}
	line, err := env.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(line, &raw))
	require.NotContains(t, raw, "accepted", "request envelopes carry no ack fields")
	require.NotContains(t, raw, "success", "request envelopes carry no result fields")
	require.NotContains(t, raw, "payload")
	require.Equal(t, "request", raw["type"])
	require.Equal(t, "sync", raw["deliveryMode"])
}

func TestEnvelope_CorrelatesRequest(t *testing.T) {
	require.True(t, (&Envelope{Type: KindAck, RequestID: "r-1"}).CorrelatesRequest())
	require.True(t, (&Envelope{Type: KindResult, RequestID: "r-1"}).CorrelatesRequest())
	require.False(t, (&Envelope{Type: KindAck}).CorrelatesRequest(), "ack without a request id resolves nothing")
	require.False(t, (&Envelope{Type: KindInput, RequestID: "r-1"}).CorrelatesRequest())
}
