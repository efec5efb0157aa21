// Package idgen generates short random identifiers for connection, call and
// peer correlation (cid, callID, tabID). Collisions are not cryptographically
// prevented; callers that need uniqueness within a scope (e.g. a pending
// call table) must still guard against an (exceedingly unlikely) repeat.
package idgen

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// DefaultLength matches the ~10 character identifiers used for cid, callID
// and tabID throughout the protocol.
const DefaultLength = 10

var (
	mu  sync.Mutex
	rng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// New returns a random base-62 string of length n.
func New(n int) string {
	var b strings.Builder
	b.Grow(n)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		b.WriteByte(alphabet[rng.Intn(len(alphabet))])
	}
	return b.String()
}

// Default returns a random base-62 string of DefaultLength.
func Default() string {
	return New(DefaultLength)
}
