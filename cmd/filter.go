package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

// filterFlags are the command-line pieces of a single REQ filter.
type filterFlags struct {
	ids     []string
	authors []string
	kinds   []int
	tags    []string
	since   string
	until   string
	limit   int
	search  string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.ids, "ids", nil, "Event ids (comma-separated)")
	fl.StringSliceVar(&f.authors, "authors", nil, "Author public keys in hex (comma-separated)")
	fl.IntSliceVar(&f.kinds, "kinds", nil, "Event kinds (comma-separated)")
	fl.StringArrayVarP(&f.tags, "tag", "t", nil, "Tag filter as letter=value, e.g. -t p=<pubkey> (repeatable)")
	fl.StringVar(&f.since, "since", "", "Lower time bound: unix seconds or a duration ago such as 2h")
	fl.StringVar(&f.until, "until", "", "Upper time bound: unix seconds or a duration ago")
	fl.IntVar(&f.limit, "limit", 0, "Maximum number of stored events per relay")
	fl.StringVar(&f.search, "search", "", "Full-text search query (NIP-50)")
}

func (f *filterFlags) build(now time.Time) (nostr.Filter, error) {
	filter := nostr.Filter{
		IDs:     f.ids,
		Authors: f.authors,
		Kinds:   f.kinds,
		Limit:   f.limit,
		Search:  f.search,
	}
	for _, t := range f.tags {
		key, value, ok := strings.Cut(t, "=")
		if !ok || len(key) != 1 || value == "" {
			return filter, fmt.Errorf("invalid tag filter %q: want letter=value", t)
		}
		if filter.Tags == nil {
			filter.Tags = nostr.TagMap{}
		}
		filter.Tags[key] = append(filter.Tags[key], value)
	}

	var err error
	if filter.Since, err = parseTimestamp(f.since, now); err != nil {
		return filter, fmt.Errorf("--since: %w", err)
	}
	if filter.Until, err = parseTimestamp(f.until, now); err != nil {
		return filter, fmt.Errorf("--until: %w", err)
	}
	return filter, nil
}

// parseTimestamp accepts unix seconds or a duration before now. An empty
// string leaves the bound unset.
func parseTimestamp(s string, now time.Time) (*nostr.Timestamp, error) {
	if s == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return nil, fmt.Errorf("negative timestamp %d", secs)
		}
		ts := nostr.Timestamp(secs)
		return &ts, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("%q is neither unix seconds nor a duration", s)
	}
	ts := nostr.Timestamp(now.Add(-d).Unix())
	return &ts, nil
}
