package mqterm

import (
	"io"
)

// PublishPacket carries an application message in either direction.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
	Props    Properties
}

func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

func (p *PublishPacket) GetPacketID() uint16 { return p.PacketID }

func (p *PublishPacket) flags() byte {
	flags := (p.QoS & 0x03) << 1
	if p.DUP {
		flags |= 0x08
	}
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var body bytesWriter
	if _, err := encodeString(&body, p.Topic); err != nil {
		return 0, err
	}
	if p.QoS > 0 {
		writeUint16(&body, p.PacketID)
	}
	if _, err := p.Props.Encode(&body); err != nil {
		return 0, err
	}
	body.Write(p.Payload)

	return writePacket(w, PacketPUBLISH, p.flags(), body.data)
}

func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.DUP = header.Flags&0x08 != 0
	p.QoS = (header.Flags >> 1) & 0x03
	p.Retain = header.Flags&0x01 != 0
	if p.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	var total int
	topic, n, err := decodeString(r)
	total += n
	if err != nil {
		return total, err
	}
	p.Topic = topic

	if p.QoS > 0 {
		p.PacketID, n, err = readUint16(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	if rest := int(header.RemainingLength) - total; rest > 0 {
		p.Payload = make([]byte, rest)
		n, err = io.ReadFull(r, p.Payload)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *PublishPacket) Validate() error {
	switch {
	case p.QoS > 2:
		return ErrInvalidQoS
	case p.QoS == 0 && p.DUP:
		return ErrInvalidPacketFlags
	case p.QoS > 0 && p.PacketID == 0:
		return ErrPacketIDRequired
	}
	return nil
}

// Message converts the packet into an application message.
func (p *PublishPacket) Message() *Message {
	m := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
	}
	m.setProperties(&p.Props)
	return m
}

// NewPublishPacket builds the PUBLISH packet carrying m.
func NewPublishPacket(m *Message, packetID uint16) *PublishPacket {
	return &PublishPacket{
		Topic:    m.Topic,
		Payload:  m.Payload,
		QoS:      m.QoS,
		Retain:   m.Retain,
		PacketID: packetID,
		Props:    m.properties(),
	}
}
