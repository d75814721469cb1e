package mqterm

import (
	"io"
)

// PingreqPacket keeps the connection alive.
type PingreqPacket struct{}

// PingrespPacket answers PINGREQ.
type PingrespPacket struct{}

func (p *PingreqPacket) Type() PacketType  { return PacketPINGREQ }
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

func (p *PingreqPacket) Encode(w io.Writer) (int, error) {
	return writePacket(w, PacketPINGREQ, 0, nil)
}

func (p *PingrespPacket) Encode(w io.Writer) (int, error) {
	return writePacket(w, PacketPINGRESP, 0, nil)
}

func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, expectEmpty(header, PacketPINGREQ)
}

func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	return 0, expectEmpty(header, PacketPINGRESP)
}

func (p *PingreqPacket) Validate() error  { return nil }
func (p *PingrespPacket) Validate() error { return nil }

func expectEmpty(header FixedHeader, t PacketType) error {
	if header.PacketType != t {
		return ErrInvalidPacketType
	}
	if header.RemainingLength != 0 {
		return ErrProtocolViolation
	}
	return nil
}

// DisconnectPacket closes the connection with a reason.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

func (p *DisconnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeReasonOnly(w, PacketDISCONNECT, p.ReasonCode, &p.Props)
}

func (p *DisconnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeReasonOnly(r, header, PacketDISCONNECT, &p.ReasonCode, &p.Props)
}

func (p *DisconnectPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketDISCONNECT) {
		return ErrInvalidReasonCode
	}
	return nil
}

// AuthPacket carries enhanced authentication data.
type AuthPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

func (p *AuthPacket) Type() PacketType { return PacketAUTH }

func (p *AuthPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return encodeReasonOnly(w, PacketAUTH, p.ReasonCode, &p.Props)
}

func (p *AuthPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeReasonOnly(r, header, PacketAUTH, &p.ReasonCode, &p.Props)
}

func (p *AuthPacket) Validate() error {
	if !p.ReasonCode.ValidFor(PacketAUTH) {
		return ErrInvalidReasonCode
	}
	return nil
}

// encodeReasonOnly writes DISCONNECT and AUTH: an optional reason code
// followed by optional properties.
func encodeReasonOnly(w io.Writer, t PacketType, rc ReasonCode, props *Properties) (int, error) {
	var body bytesWriter
	if rc != ReasonSuccess || props.Len() > 0 {
		body.data = append(body.data, byte(rc))
		if props.Len() > 0 {
			if _, err := props.Encode(&body); err != nil {
				return 0, err
			}
		}
	}
	return writePacket(w, t, 0, body.data)
}

func decodeReasonOnly(r io.Reader, header FixedHeader, t PacketType, rc *ReasonCode, props *Properties) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}

	*rc = ReasonSuccess
	if header.RemainingLength == 0 {
		return 0, nil
	}

	d := fieldReader{r: r}
	*rc = ReasonCode(d.u8())
	if header.RemainingLength > 1 {
		d.props(props)
	}
	return d.n, d.err
}
