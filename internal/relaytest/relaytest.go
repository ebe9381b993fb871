// Package relaytest provides scripted in-process relays for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
)

// OKFunc decides the answer to a published event. reply=false sends nothing.
type OKFunc func(evt nostr.Event) (ok bool, message string, reply bool)

// Accept answers every publish with OK true.
func Accept(nostr.Event) (bool, string, bool) { return true, "", true }

// Reject answers every publish with OK false and message.
func Reject(message string) OKFunc {
	return func(nostr.Event) (bool, string, bool) { return false, message, true }
}

// Silent never answers a publish.
func Silent(nostr.Event) (bool, string, bool) { return false, "", false }

// Relay is a websocket server speaking just enough of the relay protocol
// for tests: it records every client frame and sends whatever the test asks.
type Relay struct {
	// Addr is the relay's canonical ws:// address.
	Addr string

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepts  int
	received [][]json.RawMessage
	okFunc   OKFunc
	onReq    func(r *Relay, subID string)
	gate     chan struct{}
}

// New starts a relay that is closed when the test ends.
func New(t testing.TB) *Relay {
	t.Helper()
	r := &Relay{okFunc: Silent}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	r.Addr = "ws://" + strings.TrimPrefix(r.server.URL, "http://")
	t.Cleanup(r.Close)
	return r
}

// Hung starts a server that accepts TCP connections but never completes
// the websocket handshake.
func Hung(t testing.TB) string {
	t.Helper()
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-stop:
		case <-req.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(stop) })
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

// SetOK sets how the relay answers EVENT frames.
func (r *Relay) SetOK(fn OKFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.okFunc = fn
}

// OnReq is called for every REQ the relay receives.
func (r *Relay) OnReq(fn func(r *Relay, subID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReq = fn
}

// Hold makes new handshakes wait until Release, so clients stay connecting.
func (r *Relay) Hold() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate == nil {
		r.gate = make(chan struct{})
	}
}

// Release lets held and future handshakes complete.
func (r *Relay) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate != nil {
		close(r.gate)
		r.gate = nil
	}
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-req.Context().Done():
			return
		}
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.accepts++
	r.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil || len(arr) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(arr[0], &label)

		r.mu.Lock()
		r.received = append(r.received, arr)
		okFunc := r.okFunc
		onReq := r.onReq
		r.mu.Unlock()

		switch label {
		case "EVENT":
			var evt nostr.Event
			if json.Unmarshal(arr[1], &evt) != nil {
				continue
			}
			if ok, msg, reply := okFunc(evt); reply {
				r.Send("OK", evt.ID, ok, msg)
			}
		case "REQ":
			if onReq != nil {
				var subID string
				_ = json.Unmarshal(arr[1], &subID)
				onReq(r, subID)
			}
		}
	}
}

// Send writes one frame built from parts to every connected client.
func (r *Relay) Send(parts ...interface{}) {
	data, err := json.Marshal(parts)
	if err != nil {
		panic(err)
	}
	r.SendRaw(data)
}

// SendRaw writes data verbatim to every connected client.
func (r *Relay) SendRaw(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.conns {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
}

// Count returns how many frames with label were received, optionally
// restricted to those whose second element is the string arg.
func (r *Relay) Count(label string, arg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, arr := range r.received {
		var l string
		if json.Unmarshal(arr[0], &l) != nil || l != label {
			continue
		}
		if arg != "" {
			var a string
			if json.Unmarshal(arr[1], &a) != nil || a != arg {
				continue
			}
		}
		n++
	}
	return n
}

// Frames returns a copy of every frame received so far.
func (r *Relay) Frames() [][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]json.RawMessage(nil), r.received...)
}

// Accepts returns how many websocket sessions the relay has accepted.
func (r *Relay) Accepts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

// Drop closes every client session without a close handshake.
func (r *Relay) Drop() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, ws := range conns {
		_ = ws.Close()
	}
}

// Close drops every session and stops the server.
func (r *Relay) Close() {
	r.Release()
	r.Drop()
	r.server.Close()
}

// Event returns an unsigned kind-1 event with a valid id.
func Event(content string) *nostr.Event {
	evt := &nostr.Event{
		PubKey:    strings.Repeat("ab", 32),
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	evt.ID = evt.GetID()
	return evt
}
