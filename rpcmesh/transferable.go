package rpcmesh

// Transferable wraps a byte buffer so the engine moves it across the
// transport's out-of-band transfer channel instead of cloning it inline in
// the JSON payload (spec.md §4.C, §9). Go has no ArrayBuffer, so the
// buffer itself stands in for it: when a call carrying it is serialized,
// before the envelope is sent, Data is truncated to length zero, matching
// "the original buffer... is detached (byteLength becomes 0)" (spec.md §8
// scenario 3).
type Transferable struct {
	Data []byte
}

// WithTransferable tags data as transferable by wrapping it in a new
// Transferable. The returned pointer goes directly into an argument list;
// data itself is not copied.
func WithTransferable(data []byte) *Transferable {
	return &Transferable{Data: data}
}

// transferRef is the placeholder a Transferable is replaced by in the
// serialized payload; the receiving side swaps it back for the matching
// entry in the envelope's carried transfer list. Only top-level positional
// arguments are scanned (spec.md §4.C requires only a shallow scan; this
// port limits "shallow" to argument positions directly, which is the only
// place the reflect-typed dispatcher in method.go can resolve a
// placeholder back into a typed *Transferable parameter).
type transferRef struct {
	Ref int `json:"__transferRef"`
}

// scanTransferables extracts every top-level *Transferable argument into
// the transfer list, replacing it in args with a transferRef placeholder,
// and detaches the sender's copy.
func scanTransferables(args []interface{}) (scanned []interface{}, transfer [][]byte) {
	scanned = make([]interface{}, len(args))
	for i, arg := range args {
		t, ok := arg.(*Transferable)
		if !ok {
			scanned[i] = arg
			continue
		}
		idx := len(transfer)
		transfer = append(transfer, t.Data)
		t.Data = t.Data[:0] // detach the sender's copy immediately
		scanned[i] = transferRef{Ref: idx}
	}
	return scanned, transfer
}
