package pool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/relay"
)

// SelectorKind names which subset of relays a call targets.
type SelectorKind int

const (
	// SelectAll targets every known relay regardless of state; sends are
	// queued until each connection opens.
	SelectAll SelectorKind = iota
	// SelectSingle targets one relay if it is known.
	SelectSingle
	// SelectBatch targets the known relays among a given list.
	SelectBatch
	// SelectConnected targets relays that are open at resolution time.
	SelectConnected
)

// Selector is a logical relay selection resolved to concrete addresses
// once, when a subscription or publish is created.
type Selector struct {
	Kind      SelectorKind
	Addresses []string
}

// All selects every registered relay.
func All() Selector { return Selector{Kind: SelectAll} }

// OnlyConnected selects the relays whose connection is open when the
// selector is resolved.
func OnlyConnected() Selector { return Selector{Kind: SelectConnected} }

// Single selects one relay by address.
func Single(address string) Selector {
	return Selector{Kind: SelectSingle, Addresses: []string{address}}
}

// Batch selects the given relays that are registered in the pool.
func Batch(addresses ...string) Selector {
	return Selector{Kind: SelectBatch, Addresses: append([]string(nil), addresses...)}
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectAll:
		return "all"
	case SelectSingle:
		return fmt.Sprintf("single(%s)", strings.Join(s.Addresses, ""))
	case SelectBatch:
		return fmt.Sprintf("batch(%s)", strings.Join(s.Addresses, ","))
	case SelectConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ParseSelector reads the textual forms accepted on the command line:
// "all", "connected", or a comma-separated relay list.
func ParseSelector(s string) Selector {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "all":
		return All()
	case "connected":
		return OnlyConnected()
	}
	parts := strings.Split(s, ",")
	if len(parts) == 1 {
		return Single(strings.TrimSpace(parts[0]))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return Batch(parts...)
}

// RegistryView is the part of the registry the resolver reads.
type RegistryView interface {
	States() map[string]relay.State
}

// Resolve turns a selector into a sorted list of known relay addresses.
// It reads one snapshot of the registry and has no side effects.
func Resolve(sel Selector, view RegistryView) []string {
	states := view.States()
	out := make([]string, 0, len(states))

	switch sel.Kind {
	case SelectAll:
		for addr := range states {
			out = append(out, addr)
		}
	case SelectConnected:
		for addr, st := range states {
			if st == relay.StateOpen {
				out = append(out, addr)
			}
		}
	case SelectSingle, SelectBatch:
		seen := make(map[string]struct{}, len(sel.Addresses))
		for _, raw := range sel.Addresses {
			addr, err := relay.NormalizeAddress(raw)
			if err != nil {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			if _, known := states[addr]; known {
				out = append(out, addr)
			}
			if sel.Kind == SelectSingle {
				break
			}
		}
	}

	sort.Strings(out)
	return out
}
