package relay

import (
	"net"
	"net/url"
	"strings"

	"github.com/Shugur-Network/relaypool/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
)

// NormalizeAddress returns the canonical form of a relay address.
//
// The canonical form has a lower-case ws or wss scheme and host, no default
// port, no trailing slash and no fragment, so "WSS://Relay.Example.com:443/"
// and "relay.example.com" name the same relay.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.InvalidAddressError(raw, "empty address")
	}

	if i := strings.Index(trimmed, "://"); i >= 0 {
		switch strings.ToLower(trimmed[:i]) {
		case "ws", "wss", "http", "https":
		default:
			return "", errors.InvalidAddressError(raw, "scheme must be ws or wss")
		}
		// NormalizeURL would turn "wss://" into "wss://wss"
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", errors.InvalidAddressError(raw, err.Error())
		}
		if u.Hostname() == "" {
			return "", errors.InvalidAddressError(raw, "missing host")
		}
	}

	// go-nostr adds the wss:// default and maps http(s) to ws(s)
	normalized := nostr.NormalizeURL(trimmed)
	if normalized == "" {
		return "", errors.InvalidAddressError(raw, "cannot parse")
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return "", errors.InvalidAddressError(raw, err.Error())
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.InvalidAddressError(raw, "scheme must be ws or wss")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.InvalidAddressError(raw, "missing host")
	}
	port := u.Port()
	if (u.Scheme == "wss" && port == "443") || (u.Scheme == "ws" && port == "80") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u.String(), nil
}

// MustNormalizeAddress is NormalizeAddress for addresses known to be valid.
func MustNormalizeAddress(raw string) string {
	addr, err := NormalizeAddress(raw)
	if err != nil {
		panic(err)
	}
	return addr
}
