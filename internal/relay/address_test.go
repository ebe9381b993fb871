package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"wss://relay.example.com", "wss://relay.example.com"},
		{"  wss://relay.example.com/  ", "wss://relay.example.com"},
		{"WSS://Relay.Example.COM", "wss://relay.example.com"},
		{"relay.example.com", "wss://relay.example.com"},
		{"wss://relay.example.com:443", "wss://relay.example.com"},
		{"ws://relay.example.com:80/", "ws://relay.example.com"},
		{"ws://relay.example.com:7777", "ws://relay.example.com:7777"},
		{"https://relay.example.com", "wss://relay.example.com"},
		{"http://relay.example.com", "ws://relay.example.com"},
		{"wss://relay.example.com/nostr/", "wss://relay.example.com/nostr"},
		{"wss://relay.example.com#frag", "wss://relay.example.com"},
		{"wss://user@relay.example.com", "wss://relay.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeAddress_Idempotent(t *testing.T) {
	for _, in := range []string{"Relay.Example.com:443/", "ws://127.0.0.1:4000", "wss://a.example.com/path"} {
		once, err := NormalizeAddress(in)
		require.NoError(t, err)
		twice, err := NormalizeAddress(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeAddress_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://relay.example.com", "wss://", "ws://", "wss:///", "https://", "wss://:443", "wss://bad host"} {
		t.Run(in, func(t *testing.T) {
			_, err := NormalizeAddress(in)
			assert.Error(t, err)
		})
	}
	assert.Panics(t, func() { MustNormalizeAddress("") })
}
