package relay

import (
	"encoding/json"
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testID = strings.Repeat("0a", 32)

func TestParseFrame(t *testing.T) {
	eventJSON := `{"id":"` + testID + `","pubkey":"` + strings.Repeat("ab", 32) +
		`","created_at":1700000000,"kind":1,"tags":[],"content":"hi","sig":""}`

	t.Run("event", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["EVENT","sub1",` + eventJSON + `]`))
		require.NoError(t, err)
		assert.Equal(t, FrameEvent, f.Type)
		assert.Equal(t, "sub1", f.SubscriptionID)
		require.NotNil(t, f.Event)
		assert.Equal(t, testID, f.Event.ID)
		assert.Equal(t, "hi", f.Event.Content)
	})

	t.Run("eose", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["EOSE","sub1"]`))
		require.NoError(t, err)
		assert.Equal(t, FrameEOSE, f.Type)
		assert.Equal(t, "sub1", f.SubscriptionID)
	})

	t.Run("ok with message", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["OK","` + testID + `",false,"blocked: spam"]`))
		require.NoError(t, err)
		assert.Equal(t, FrameOK, f.Type)
		assert.Equal(t, testID, f.EventID)
		assert.False(t, f.OK)
		assert.Equal(t, "blocked: spam", f.Message)
	})

	t.Run("ok without message", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["OK","` + testID + `",true]`))
		require.NoError(t, err)
		assert.True(t, f.OK)
		assert.Empty(t, f.Message)
	})

	t.Run("notice", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["NOTICE","be nice"]`))
		require.NoError(t, err)
		assert.Equal(t, FrameNotice, f.Type)
		assert.Equal(t, "be nice", f.Message)
	})

	t.Run("closed", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["CLOSED","sub1","error: shutting down"]`))
		require.NoError(t, err)
		assert.Equal(t, FrameClosed, f.Type)
		assert.Equal(t, "sub1", f.SubscriptionID)
		assert.Equal(t, "error: shutting down", f.Message)
	})

	t.Run("auth", func(t *testing.T) {
		f, err := ParseFrame([]byte(`["AUTH","challenge"]`))
		require.NoError(t, err)
		assert.Equal(t, FrameAuth, f.Type)
		assert.Equal(t, "challenge", f.Challenge)
	})
}

func TestParseFrame_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":            `hello`,
		"object":              `{"type":"EVENT"}`,
		"too short":           `["EOSE"]`,
		"label not string":    `[1,"x"]`,
		"unknown label":       `["COUNT","sub1",{"count":3}]`,
		"event without body":  `["EVENT","sub1"]`,
		"event bad id":        `["EVENT","sub1",{"id":"xyz","kind":1}]`,
		"event empty sub":     `["EVENT","",{"id":"` + testID + `"}]`,
		"ok flag not boolean": `["OK","` + testID + `","yes",""]`,
		"ok short":            `["OK","` + testID + `"]`,
		"notice not string":   `["NOTICE",42]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := ParseFrame([]byte(raw))
			assert.Error(t, err)
			assert.Nil(t, f)
		})
	}
}

func TestOutgoingFrames(t *testing.T) {
	since := nostr.Timestamp(1700000000)
	req, err := ReqFrame("sub1", nostr.Filters{
		{Kinds: []int{1}, Limit: 10},
		{Authors: []string{strings.Repeat("ab", 32)}, Since: &since},
	})
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(req, &arr))
	require.Len(t, arr, 4)
	assert.JSONEq(t, `"REQ"`, string(arr[0]))
	assert.JSONEq(t, `"sub1"`, string(arr[1]))
	assert.JSONEq(t, `{"kinds":[1],"limit":10}`, string(arr[2]))
	assert.JSONEq(t, `{"authors":["`+strings.Repeat("ab", 32)+`"],"since":1700000000}`, string(arr[3]))

	closeFrame, err := CloseFrame("sub1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub1"]`, string(closeFrame))

	evt := &nostr.Event{ID: testID, Kind: 1, Content: "x", Tags: nostr.Tags{}}
	eventFrame, err := EventFrame(evt)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(eventFrame, &arr))
	require.Len(t, arr, 2)
	assert.JSONEq(t, `"EVENT"`, string(arr[0]))

	var decoded nostr.Event
	require.NoError(t, json.Unmarshal(arr[1], &decoded))
	assert.Equal(t, testID, decoded.ID)
}
