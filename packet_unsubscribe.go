package mqterm

import "io"

// UnsubscribePacket removes one or more subscriptions.
type UnsubscribePacket struct {
	PacketID     uint16
	Props        Properties
	TopicFilters []string
}

func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

func (p *UnsubscribePacket) GetPacketID() uint16 { return p.PacketID }

func (p *UnsubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var body bytesWriter
	writeUint16(&body, p.PacketID)
	if _, err := p.Props.Encode(&body); err != nil {
		return 0, err
	}
	for _, f := range p.TopicFilters {
		if _, err := encodeString(&body, f); err != nil {
			return 0, err
		}
	}
	return writePacket(w, PacketUNSUBSCRIBE, 0x02, body.data)
}

func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}

	d := fieldReader{r: r}
	p.PacketID = d.u16()
	d.props(&p.Props)
	for d.err == nil && d.n < int(header.RemainingLength) {
		f := d.str()
		if d.err == nil {
			p.TopicFilters = append(p.TopicFilters, f)
		}
	}
	return d.n, d.err
}

func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrEmptySubscribeList
	}
	return nil
}

// UnsubackPacket answers UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }

func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeReasonList(w, PacketUNSUBACK, p.PacketID, &p.Props, p.ReasonCodes)
}

func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeReasonList(r, header, PacketUNSUBACK, &p.PacketID, &p.Props, &p.ReasonCodes)
}

func (p *UnsubackPacket) Validate() error {
	return validateReasonList(PacketUNSUBACK, p.PacketID, p.ReasonCodes)
}
