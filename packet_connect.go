package mqterm

import (
	"errors"
	"io"
)

const (
	protocolName    = "MQTT"
	protocolVersion = 5
)

const (
	connectFlagCleanStart = 0x02
	connectFlagWill       = 0x04
	connectFlagWillRetain = 0x20
	connectFlagPassword   = 0x40
	connectFlagUsername   = 0x80
)

var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrClientIDRequired       = errors.New("client ID required with clean start false")
	ErrInvalidConnackFlags    = errors.New("invalid CONNACK flags")
)

// ConnectPacket opens a session with the server.
type ConnectPacket struct {
	ClientID   string
	CleanStart bool
	KeepAlive  uint16
	Props      Properties

	Username string
	Password []byte

	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
	WillProps   Properties
}

func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) flags() byte {
	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.WillFlag {
		flags |= connectFlagWill | (p.WillQoS&0x03)<<3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if len(p.Password) > 0 {
		flags |= connectFlagPassword
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	return flags
}

func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var body bytesWriter
	encodeString(&body, protocolName)
	body.data = append(body.data, protocolVersion, p.flags())
	writeUint16(&body, p.KeepAlive)

	if _, err := p.Props.Encode(&body); err != nil {
		return 0, err
	}
	if _, err := encodeString(&body, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if _, err := p.WillProps.Encode(&body); err != nil {
			return 0, err
		}
		if _, err := encodeString(&body, p.WillTopic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(&body, p.WillPayload); err != nil {
			return 0, err
		}
	}
	if p.Username != "" {
		if _, err := encodeString(&body, p.Username); err != nil {
			return 0, err
		}
	}
	if len(p.Password) > 0 {
		if _, err := encodeBinary(&body, p.Password); err != nil {
			return 0, err
		}
	}

	return writePacket(w, PacketCONNECT, 0, body.data)
}

func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	d := fieldReader{r: r}
	if d.str() != protocolName && d.err == nil {
		return d.n, ErrInvalidProtocolName
	}
	if d.u8() != protocolVersion && d.err == nil {
		return d.n, ErrInvalidProtocolVersion
	}

	flags := d.u8()
	p.KeepAlive = d.u16()
	if d.err != nil {
		return d.n, d.err
	}
	if flags&0x01 != 0 {
		return d.n, ErrInvalidConnectFlags
	}

	p.CleanStart = flags&connectFlagCleanStart != 0
	p.WillFlag = flags&connectFlagWill != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	d.props(&p.Props)
	p.ClientID = d.str()
	if p.WillFlag {
		d.props(&p.WillProps)
		p.WillTopic = d.str()
		p.WillPayload = d.bin()
	}
	if flags&connectFlagUsername != 0 {
		p.Username = d.str()
	}
	if flags&connectFlagPassword != 0 {
		p.Password = d.bin()
	}
	if d.err != nil {
		return d.n, d.err
	}
	return d.n, p.Validate()
}

func (p *ConnectPacket) Validate() error {
	if !p.CleanStart && p.ClientID == "" {
		return ErrClientIDRequired
	}
	if p.WillQoS > 2 || (!p.WillFlag && (p.WillRetain || p.WillQoS != 0)) {
		return ErrInvalidConnectFlags
	}
	return nil
}

// ConnackPacket is the server's answer to CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var body bytesWriter
	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}
	body.data = append(body.data, ackFlags, byte(p.ReasonCode))
	if _, err := p.Props.Encode(&body); err != nil {
		return 0, err
	}
	return writePacket(w, PacketCONNACK, 0, body.data)
}

func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	d := fieldReader{r: r}
	ackFlags := d.u8()
	p.ReasonCode = ReasonCode(d.u8())
	if d.err != nil {
		return d.n, d.err
	}
	if ackFlags&0xFE != 0 {
		return d.n, ErrInvalidConnackFlags
	}
	p.SessionPresent = ackFlags&0x01 != 0

	if header.RemainingLength > 2 {
		d.props(&p.Props)
	}
	return d.n, d.err
}

func (p *ConnackPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketCONNACK) {
		return ErrInvalidReasonCode
	}
	if p.ReasonCode != ReasonSuccess && p.SessionPresent {
		return ErrInvalidConnackFlags
	}
	return nil
}
