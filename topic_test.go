package mqterm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{name: "simple", topic: "mqterm/tty/in"},
		{name: "single level", topic: "a"},
		{name: "leading slash", topic: "/a"},
		{name: "system topic", topic: "$SYS/broker/uptime"},
		{name: "empty", topic: "", wantErr: ErrEmptyTopic},
		{name: "plus wildcard", topic: "a/+/c", wantErr: ErrInvalidTopicName},
		{name: "hash wildcard", topic: "a/#", wantErr: ErrInvalidTopicName},
		{name: "null character", topic: "a\x00b", wantErr: ErrInvalidTopicName},
		{name: "too long", topic: strings.Repeat("a", 65536), wantErr: ErrInvalidTopicName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicName(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{name: "exact", filter: "a/b/c"},
		{name: "hash only", filter: "#"},
		{name: "plus only", filter: "+"},
		{name: "trailing hash", filter: "a/b/#"},
		{name: "plus levels", filter: "+/b/+"},
		{name: "shared", filter: "$share/group/a/+"},
		{name: "empty", filter: "", wantErr: ErrEmptyTopic},
		{name: "hash not last", filter: "a/#/c", wantErr: ErrInvalidTopicFilter},
		{name: "hash inside level", filter: "a/b#", wantErr: ErrInvalidTopicFilter},
		{name: "plus inside level", filter: "a/b+/c", wantErr: ErrInvalidTopicFilter},
		{name: "shared without filter", filter: "$share/group", wantErr: ErrInvalidTopicFilter},
		{name: "shared empty group", filter: "$share//a", wantErr: ErrInvalidTopicFilter},
		{name: "shared wildcard group", filter: "$share/g+/a", wantErr: ErrInvalidTopicFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+", "a/b/c", false},
		{"+/+", "a/b", true},
		{"+", "", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/b/#", "a", false},
		{"#", "a/b", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},
		{"$SYS/#", "$SYS/uptime", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"/+", "/a", true},
		{"mqterm/+/reply", "mqterm/shell/reply", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatch(tt.filter, tt.topic))
		})
	}
}

func TestMatchFilter(t *testing.T) {
	assert.Equal(t, "a/+", matchFilter("$share/group/a/+"))
	assert.Equal(t, "a/+", matchFilter("a/+"))
}
