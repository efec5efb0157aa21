// Package rpcmesh implements the host/guest RPC engine: the handshake state
// machine, request/response correlation, schema-derived proxy
// materialisation, and the transferable escape hatch (spec.md §4.C).
package rpcmesh

import (
	"encoding/json"

	"github.com/relaymesh/wiremesh/internal/wireerr"
)

// Tag discriminates the RPC protocol step an envelope carries, on the
// RPC_* namespace disjoint from the bridge's BRIDGE_* namespace (spec.md §6).
type Tag string

const (
	HandshakeRequest Tag = "HANDSHAKE_REQUEST"
	HandshakeReply   Tag = "HANDSHAKE_REPLY"
	RPCRequest       Tag = "RPC_REQUEST"
	RPCResolve       Tag = "RPC_RESOLVE"
	RPCReject        Tag = "RPC_REJECT"
)

// envelope is the single wire shape for every RPC_* and HANDSHAKE_* message.
// Unused fields are omitted by the zero-value/omitempty pairing below,
// mirroring the teacher's jsonrpcMessage "one struct, many message kinds"
// design (rpc/client.go).
type envelope struct {
	Tag Tag `json:"tag"`
	CID string `json:"cid"`

	// Handshake fields.
	MethodNames []string        `json:"methodNames,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`

	// Request/response fields.
	CallID   string          `json:"callID,omitempty"`
	CallName string          `json:"callName,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *wireerr.Snapshot `json:"error,omitempty"`
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
