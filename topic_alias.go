package mqterm

import (
	"errors"
	"fmt"
)

var ErrTopicAliasInvalid = errors.New("topic alias invalid")

// topicAliases resolves server-assigned topic aliases on one connection.
// The mapping does not survive reconnects.
type topicAliases struct {
	max     uint16
	inbound map[uint16]string
}

func newTopicAliases(maximum uint16) *topicAliases {
	return &topicAliases{max: maximum, inbound: make(map[uint16]string)}
}

// resolve fills in p.Topic from its Topic Alias property, recording new
// mappings. The alias property is removed afterwards.
func (a *topicAliases) resolve(p *PublishPacket) error {
	if !p.Props.Has(PropTopicAlias) {
		if p.Topic == "" {
			return fmt.Errorf("%w: empty topic without alias", ErrProtocolViolation)
		}
		return nil
	}

	alias := p.Props.GetUint16(PropTopicAlias)
	if alias == 0 || alias > a.max {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrTopicAliasInvalid, alias, a.max)
	}
	p.Props.Delete(PropTopicAlias)

	if p.Topic != "" {
		a.inbound[alias] = p.Topic
		return nil
	}
	topic, ok := a.inbound[alias]
	if !ok {
		return fmt.Errorf("%w: alias %d not established", ErrProtocolViolation, alias)
	}
	p.Topic = topic
	return nil
}

func (a *topicAliases) reset() {
	clear(a.inbound)
}
