package relay

import (
	"errors"
	"strings"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestValidateFilter(t *testing.T) {
	pubkey := strings.Repeat("ab", 32)
	since, until := nostr.Timestamp(200), nostr.Timestamp(100)

	manyValues := make([]string, maxTagValues+1)
	for i := range manyValues {
		manyValues[i] = "x"
	}
	manyTags := nostr.TagMap{}
	for _, k := range strings.Split("abcdefghijk", "") {
		manyTags[k] = []string{"v"}
	}

	tests := []struct {
		name    string
		filter  nostr.Filter
		wantErr bool
	}{
		{"empty filter", nostr.Filter{}, false},
		{"full filter", nostr.Filter{
			IDs:     []string{"abc", strings.Repeat("0", 64)},
			Authors: []string{pubkey},
			Kinds:   []int{0, 1, 30023},
			Tags:    nostr.TagMap{"e": {"x"}, "p": {pubkey}},
			Limit:   100,
			Search:  "nostr",
		}, false},
		{"id not hex", nostr.Filter{IDs: []string{"zz"}}, true},
		{"id too long", nostr.Filter{IDs: []string{strings.Repeat("a", 65)}}, true},
		{"author prefix", nostr.Filter{Authors: []string{"abcd"}}, true},
		{"negative kind", nostr.Filter{Kinds: []int{-1}}, true},
		{"kind too large", nostr.Filter{Kinds: []int{70000}}, true},
		{"too many tag filters", nostr.Filter{Tags: manyTags}, true},
		{"too many tag values", nostr.Filter{Tags: nostr.TagMap{"e": manyValues}}, true},
		{"since after until", nostr.Filter{Since: &since, Until: &until}, true},
		{"negative limit", nostr.Filter{Limit: -1}, true},
		{"search too long", nostr.Filter{Search: strings.Repeat("s", maxSearchLength+1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilter(tt.filter)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFilters(t *testing.T) {
	err := ValidateFilters(nil)
	assert.True(t, errors.Is(err, ErrEmptyFilters))

	since, until := nostr.Timestamp(200), nostr.Timestamp(100)
	err = ValidateFilters(nostr.Filters{{}, {Since: &since, Until: &until}})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
	assert.Contains(t, err.Error(), "filter 1")

	assert.NoError(t, ValidateFilters(nostr.Filters{{Kinds: []int{1}}}))
}
