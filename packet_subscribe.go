package mqterm

import (
	"errors"
	"io"
)

var (
	ErrInvalidPacketID    = errors.New("invalid packet identifier")
	ErrEmptySubscribeList = errors.New("subscribe packet must carry at least one topic filter")
)

// SubscribeOption is one topic filter with its options in a SUBSCRIBE packet.
type SubscribeOption struct {
	TopicFilter       string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (o SubscribeOption) options() byte {
	b := o.QoS&0x03 | (o.RetainHandling&0x03)<<4
	if o.NoLocal {
		b |= 0x04
	}
	if o.RetainAsPublished {
		b |= 0x08
	}
	return b
}

// SubscribePacket requests one or more subscriptions.
type SubscribePacket struct {
	PacketID uint16
	Props    Properties
	Filters  []SubscribeOption
}

func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var body bytesWriter
	writeUint16(&body, p.PacketID)
	if _, err := p.Props.Encode(&body); err != nil {
		return 0, err
	}
	for _, f := range p.Filters {
		if _, err := encodeString(&body, f.TopicFilter); err != nil {
			return 0, err
		}
		body.data = append(body.data, f.options())
	}
	return writePacket(w, PacketSUBSCRIBE, 0x02, body.data)
}

func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	d := fieldReader{r: r}
	p.PacketID = d.u16()
	d.props(&p.Props)

	for d.err == nil && d.n < int(header.RemainingLength) {
		filter := d.str()
		opts := d.u8()
		if d.err != nil {
			break
		}
		if opts&0xC0 != 0 {
			return d.n, ErrProtocolViolation
		}
		p.Filters = append(p.Filters, SubscribeOption{
			TopicFilter:       filter,
			QoS:               opts & 0x03,
			NoLocal:           opts&0x04 != 0,
			RetainAsPublished: opts&0x08 != 0,
			RetainHandling:    (opts >> 4) & 0x03,
		})
	}
	return d.n, d.err
}

func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Filters) == 0 {
		return ErrEmptySubscribeList
	}
	for _, f := range p.Filters {
		if f.QoS > 2 {
			return ErrInvalidQoS
		}
		if f.RetainHandling > 2 {
			return ErrProtocolViolation
		}
		if err := ValidateTopicFilter(f.TopicFilter); err != nil {
			return err
		}
	}
	return nil
}

// SubackPacket answers SUBSCRIBE with one reason code per filter, in order.
type SubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeReasonList(w, PacketSUBACK, p.PacketID, &p.Props, p.ReasonCodes)
}

func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeReasonList(r, header, PacketSUBACK, &p.PacketID, &p.Props, &p.ReasonCodes)
}

func (p *SubackPacket) Validate() error {
	return validateReasonList(PacketSUBACK, p.PacketID, p.ReasonCodes)
}

func encodeReasonList(w io.Writer, t PacketType, id uint16, props *Properties, codes []ReasonCode) (int, error) {
	var body bytesWriter
	writeUint16(&body, id)
	if _, err := props.Encode(&body); err != nil {
		return 0, err
	}
	for _, rc := range codes {
		body.data = append(body.data, byte(rc))
	}
	return writePacket(w, t, 0, body.data)
}

func decodeReasonList(r io.Reader, header FixedHeader, t PacketType, id *uint16, props *Properties, codes *[]ReasonCode) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}

	d := fieldReader{r: r}
	*id = d.u16()
	d.props(props)
	for d.err == nil && d.n < int(header.RemainingLength) {
		rc := d.u8()
		if d.err == nil {
			*codes = append(*codes, ReasonCode(rc))
		}
	}
	return d.n, d.err
}

func validateReasonList(t PacketType, id uint16, codes []ReasonCode) error {
	if id == 0 {
		return ErrInvalidPacketID
	}
	if len(codes) == 0 {
		return ErrProtocolViolation
	}
	for _, rc := range codes {
		if !rc.ValidFor(t) {
			return ErrInvalidReasonCode
		}
	}
	return nil
}
