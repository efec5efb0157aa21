package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOriginElidesDefaultPorts(t *testing.T) {
	cases := map[string]string{
		"https://a.example":      "https://a.example",
		"https://a.example:443":  "https://a.example",
		"http://a.example:80":    "http://a.example",
		"http://a.example:8080":  "http://a.example:8080",
		"file:///home/x/page.html": "file://",
	}
	for in, want := range cases {
		got, err := NormalizeOrigin(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestOriginsMatch(t *testing.T) {
	assert.True(t, OriginsMatch("https://a.example", "https://a.example:443"))
	assert.False(t, OriginsMatch("https://a.example", "https://evil.example"))
}

func TestPortPairRoundTrip(t *testing.T) {
	a, b := NewPortPair()
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)
	unsub := b.On(func(data []byte, origin string, transfer [][]byte) {
		received <- string(data)
	})
	defer unsub()

	require.NoError(t, a.Send(context.Background(), []byte("hello"), SendOptions{}))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPortPairTransferRidesAlongside(t *testing.T) {
	a, b := NewPortPair()
	defer a.Close()
	defer b.Close()

	buf := []byte{1, 2, 3, 4}
	received := make(chan [][]byte, 1)
	unsub := b.On(func(data []byte, origin string, transfer [][]byte) {
		received <- transfer
	})
	defer unsub()

	require.NoError(t, a.Send(context.Background(), []byte("x"), SendOptions{Transfer: [][]byte{buf}}))

	select {
	case got := <-received:
		require.Len(t, got, 1)
		assert.Equal(t, buf, got[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transfer delivery")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	a, b := NewPortPair()
	defer a.Close()
	defer b.Close()

	calls := 0
	unsub := b.On(func(data []byte, origin string, transfer [][]byte) {
		calls++
	})
	unsub()

	require.NoError(t, a.Send(context.Background(), []byte("x"), SendOptions{}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, calls)
}
