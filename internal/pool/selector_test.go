package pool

import (
	"testing"

	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/stretchr/testify/assert"
)

type staticView map[string]relay.State

func (v staticView) States() map[string]relay.State {
	out := make(map[string]relay.State, len(v))
	for k, s := range v {
		out[k] = s
	}
	return out
}

func TestResolve(t *testing.T) {
	view := staticView{
		"wss://a.example.com": relay.StateOpen,
		"wss://b.example.com": relay.StateConnecting,
		"wss://c.example.com": relay.StateErrored,
	}

	tests := []struct {
		name string
		sel  Selector
		want []string
	}{
		{"all", All(), []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"}},
		{"zero value is all", Selector{}, []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"}},
		{"connected", OnlyConnected(), []string{"wss://a.example.com"}},
		{"single known", Single("wss://b.example.com"), []string{"wss://b.example.com"}},
		{"single is canonicalized", Single("B.EXAMPLE.COM:443/"), []string{"wss://b.example.com"}},
		{"single unknown", Single("wss://z.example.com"), []string{}},
		{"single invalid", Single("ftp://a.example.com"), []string{}},
		{"batch keeps known only", Batch("wss://c.example.com", "wss://z.example.com", "a.example.com"),
			[]string{"wss://a.example.com", "wss://c.example.com"}},
		{"batch dedups", Batch("a.example.com", "wss://a.example.com/"), []string{"wss://a.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.sel, view))
		})
	}
}

func TestResolve_Snapshot(t *testing.T) {
	view := staticView{"wss://a.example.com": relay.StateOpen}
	got := Resolve(All(), view)

	view["wss://b.example.com"] = relay.StateOpen
	assert.Equal(t, []string{"wss://a.example.com"}, got)

	got[0] = "mutated"
	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, Resolve(All(), view))
}

func TestParseSelector(t *testing.T) {
	assert.Equal(t, All(), ParseSelector(""))
	assert.Equal(t, All(), ParseSelector("ALL"))
	assert.Equal(t, OnlyConnected(), ParseSelector(" connected "))
	assert.Equal(t, Single("wss://a.example.com"), ParseSelector("wss://a.example.com"))
	assert.Equal(t, Batch("wss://a.example.com", "wss://b.example.com"),
		ParseSelector("wss://a.example.com, wss://b.example.com"))
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, "all", All().String())
	assert.Equal(t, "connected", OnlyConnected().String())
	assert.Equal(t, "single(wss://a.example.com)", Single("wss://a.example.com").String())
	assert.Equal(t, "batch(a,b)", Batch("a", "b").String())
}
