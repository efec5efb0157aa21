// Package bridge implements the cross-tab side of the fabric: a client
// bound to a named channel on a relay daemon, whose proxied methods run
// locally and fan out to every other peer (spec.md §4.D).
package bridge

import "encoding/json"

// Tag discriminates a bridge envelope, on the BRIDGE_* namespace disjoint
// from the RPC engine's RPC_*/HANDSHAKE_* namespace (spec.md §6).
type Tag string

const (
	Handshake         Tag = "BRIDGE_HANDSHAKE"
	HandshakeAck      Tag = "BRIDGE_HANDSHAKE_ACK"
	HandshakeError    Tag = "BRIDGE_HANDSHAKE_ERROR"
	Broadcast         Tag = "BRIDGE_BROADCAST"
	Relay             Tag = "BRIDGE_RELAY"
	DirectMessage     Tag = "BRIDGE_DIRECT_MESSAGE"
	Disconnect        Tag = "BRIDGE_DISCONNECT"
	GetTabs           Tag = "BRIDGE_GET_TABS"
	TabsResponse      Tag = "BRIDGE_TABS_RESPONSE"
	GetState          Tag = "BRIDGE_GET_STATE"
	StateResponse     Tag = "BRIDGE_STATE_RESPONSE"
	SetState          Tag = "BRIDGE_SET_STATE"
	StateUpdate       Tag = "BRIDGE_STATE_UPDATE"
)

// ErrorCode enumerates BRIDGE_HANDSHAKE_ERROR codes (spec.md §6).
type ErrorCode string

const (
	DuplicateTabID ErrorCode = "DUPLICATE_TAB_ID"
	InvalidPayload ErrorCode = "INVALID_PAYLOAD"
	UnknownError   ErrorCode = "UNKNOWN_ERROR"
)

// envelope is the single wire shape for every BRIDGE_* message.
type envelope struct {
	Tag Tag `json:"tag"`

	TabID         string   `json:"tabID,omitempty"`
	TargetTabID   string   `json:"targetTabID,omitempty"`
	SenderTabID   string   `json:"senderTabID,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	MethodNames   []string `json:"methodNames,omitempty"`
	RequestingTab string   `json:"requestingTabID,omitempty"`

	Schema json.RawMessage `json:"schema,omitempty"`

	MethodName   string          `json:"methodName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	SenderResult json.RawMessage `json:"senderResult,omitempty"`
	SenderError  json.RawMessage `json:"senderError,omitempty"`

	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`

	TabIDs []string `json:"tabIDs,omitempty"`

	State json.RawMessage `json:"state,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func marshalEnvelope(e envelope) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEnvelope(data []byte) (envelope, bool) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, false
	}
	if e.Tag == "" {
		return envelope{}, false
	}
	return e, true
}
