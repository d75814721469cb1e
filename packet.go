package mqterm

import (
	"errors"
	"io"
	"slices"
)

// Packet is implemented by every MQTT control packet.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included.
	Encode(w io.Writer) (int, error)

	// Decode reads the variable header and payload. The fixed header has
	// already been consumed.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate checks the packet invariants before encoding.
	Validate() error
}

// PacketWithID is implemented by packets carrying a packet identifier.
type PacketWithID interface {
	Packet
	GetPacketID() uint16
}

var (
	ErrTopicNameEmpty   = errors.New("topic name cannot be empty")
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDRequired = errors.New("packet identifier required")
)

// Message is an application message as seen by publishers and subscribers.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// Duplicate is set on received messages redelivered by the server.
	Duplicate bool

	PayloadFormat   byte
	MessageExpiry   uint32
	ContentType     string
	ResponseTopic   string
	CorrelationData []byte
	UserProperties  []StringPair

	// SubscriptionIdentifiers is only set on received messages.
	SubscriptionIdentifiers []uint32
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = slices.Clone(m.Payload)
	c.CorrelationData = slices.Clone(m.CorrelationData)
	c.UserProperties = slices.Clone(m.UserProperties)
	c.SubscriptionIdentifiers = slices.Clone(m.SubscriptionIdentifiers)
	return &c
}

// UserProperty returns the first user property value named key.
func (m *Message) UserProperty(key string) (string, bool) {
	for _, up := range m.UserProperties {
		if up.Key == key {
			return up.Value, true
		}
	}
	return "", false
}

func (m *Message) properties() Properties {
	var p Properties
	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}
	return p
}

func (m *Message) setProperties(p *Properties) {
	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.StringPairs(PropUserProperty)
	m.SubscriptionIdentifiers = p.VarInts(PropSubscriptionIdentifier)
}
