package constants

import (
	"fmt"
	"strings"
	"time"
)

// Timeout constants
const (
	HealthCheckTimeout = 5 * time.Second  // Budget for one /health request
	RelayInfoTimeout   = 10 * time.Second // Budget for one NIP-11 fetch
	ShutdownTimeout    = 15 * time.Second // Budget for the staged node shutdown
)

// nipNames maps NIP identifiers to their titles for relay information reports.
var nipNames = map[string]string{
	"01": "Basic protocol flow description",
	"02": "Follow List",
	"03": "OpenTimestamps Attestations for Events",
	"04": "Encrypted Direct Message",
	"09": "Event Deletion Request",
	"11": "Relay Information Document",
	"13": "Proof of Work",
	"15": "Nostr Marketplace",
	"17": "Private Direct Messages",
	"22": "Comment",
	"23": "Long-form Content",
	"25": "Reactions",
	"28": "Public Chat",
	"29": "Relay-based Groups",
	"33": "Addressable Events",
	"40": "Expiration Timestamp",
	"42": "Authentication of clients to relays",
	"44": "Encrypted Payloads (Versioned)",
	"45": "Counting Events",
	"50": "Search Capability",
	"51": "Lists",
	"56": "Reporting",
	"57": "Lightning Zaps",
	"59": "Gift Wrap",
	"62": "Request to Vanish",
	"65": "Relay List Metadata",
	"70": "Protected Events",
	"77": "Negentropy Syncing",
	"86": "Relay Management API",
	"94": "File Metadata",
	"7D": "Threads",
	"C7": "Chats",
	"EE": "E2EE Messaging via MLS",
}

// NIPLabel renders an entry of a relay's supported_nips list, which may be
// a number or a string, as "NIP-XX: Title".
func NIPLabel(nip any) string {
	var id string
	switch v := nip.(type) {
	case float64:
		id = fmt.Sprintf("%02d", int(v))
	case int:
		id = fmt.Sprintf("%02d", v)
	case string:
		id = strings.ToUpper(v)
	default:
		id = fmt.Sprint(v)
	}
	if name, ok := nipNames[id]; ok {
		return "NIP-" + id + ": " + name
	}
	return "NIP-" + id
}
