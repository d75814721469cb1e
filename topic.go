package mqterm

import (
	"errors"
	"strings"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const sharePrefix = "$share/"

// ValidateTopicName checks a topic used for publishing. Wildcards are not
// allowed.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxUint16 || checkUTF8(topic) != nil || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter: '+' must fill a whole
// level and '#' must fill the last one.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > maxUint16 || checkUTF8(filter) != nil {
		return ErrInvalidTopicFilter
	}

	if strings.HasPrefix(filter, sharePrefix) {
		group, inner, ok := strings.Cut(filter[len(sharePrefix):], "/")
		if !ok || group == "" || inner == "" || strings.ContainsAny(group, "+#") {
			return ErrInvalidTopicFilter
		}
		filter = inner
	}

	rest := filter
	for {
		level, tail, more := strings.Cut(rest, "/")
		switch {
		case level == "#" && more:
			return ErrInvalidTopicFilter
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return ErrInvalidTopicFilter
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

// matchFilter strips a shared subscription prefix, leaving the filter that
// incoming topics are compared against.
func matchFilter(filter string) string {
	if !strings.HasPrefix(filter, sharePrefix) {
		return filter
	}
	_, inner, _ := strings.Cut(filter[len(sharePrefix):], "/")
	return inner
}

// TopicMatch reports whether topic matches filter. Topics starting with '$'
// are not matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, "/")
		if flevel == "#" {
			return true
		}

		tlevel, trest, tmore := strings.Cut(topic, "/")
		if flevel != "+" && flevel != tlevel {
			return false
		}

		switch {
		case !fmore && !tmore:
			return true
		case !tmore:
			// "a/#" also matches "a".
			return frest == "#"
		case !fmore:
			return false
		}
		filter, topic = frest, trest
	}
}
