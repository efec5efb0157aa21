// Package relay implements the dumb fan-out daemon component D's clients
// connect to: it tracks which tabID is on which channel and forwards
// envelopes, applying no application logic of its own (spec.md §4.E).
package relay

import "encoding/json"

type tag string

const (
	tagHandshake      tag = "BRIDGE_HANDSHAKE"
	tagHandshakeAck   tag = "BRIDGE_HANDSHAKE_ACK"
	tagHandshakeError tag = "BRIDGE_HANDSHAKE_ERROR"
	tagBroadcast      tag = "BRIDGE_BROADCAST"
	tagRelay          tag = "BRIDGE_RELAY"
	tagDirectMessage  tag = "BRIDGE_DIRECT_MESSAGE"
	tagDisconnect     tag = "BRIDGE_DISCONNECT"
	tagGetTabs        tag = "BRIDGE_GET_TABS"
	tagTabsResponse   tag = "BRIDGE_TABS_RESPONSE"
	tagGetState       tag = "BRIDGE_GET_STATE"
	tagStateResponse  tag = "BRIDGE_STATE_RESPONSE"
	tagSetState       tag = "BRIDGE_SET_STATE"
	tagStateUpdate    tag = "BRIDGE_STATE_UPDATE"
)

type errorCode string

const (
	codeDuplicateTabID errorCode = "DUPLICATE_TAB_ID"
	codeInvalidPayload errorCode = "INVALID_PAYLOAD"
)

// envelope uses bridge's JSON field names (without bridge's unused
// result/error fields); the relay only ever inspects routing fields (tag,
// channel, tabID/targetTabID) and copies the args and sender result/error
// payloads into the envelopes it sends without decoding them (spec.md §4.E
// invariant: "the relay performs no application logic").
type envelope struct {
	Tag tag `json:"tag"`

	TabID         string   `json:"tabID,omitempty"`
	TargetTabID   string   `json:"targetTabID,omitempty"`
	SenderTabID   string   `json:"senderTabID,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	MethodNames   []string `json:"methodNames,omitempty"`
	RequestingTab string   `json:"requestingTabID,omitempty"`

	Schema json.RawMessage `json:"schema,omitempty"`

	MethodName   string          `json:"methodName,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	SenderResult json.RawMessage `json:"senderResult,omitempty"`
	SenderError  json.RawMessage `json:"senderError,omitempty"`

	Code    errorCode `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`

	TabIDs []string `json:"tabIDs,omitempty"`

	State json.RawMessage `json:"state,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
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

func marshalEnvelope(e envelope) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// envelope is always built from already-decoded json.RawMessage
		// fields plus scalars; Marshal only fails on unsupported types,
		// which this struct never holds.
		return []byte(`{"tag":"BRIDGE_HANDSHAKE_ERROR","code":"INVALID_PAYLOAD"}`)
	}
	return data
}
