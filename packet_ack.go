package mqterm

import "io"

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH.
type PubrecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubrelPacket releases a QoS 2 PUBLISH after PUBREC.
type PubrelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

func (p *PubackPacket) Type() PacketType  { return PacketPUBACK }
func (p *PubrecPacket) Type() PacketType  { return PacketPUBREC }
func (p *PubrelPacket) Type() PacketType  { return PacketPUBREL }
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

func (p *PubackPacket) GetPacketID() uint16  { return p.PacketID }
func (p *PubrecPacket) GetPacketID() uint16  { return p.PacketID }
func (p *PubrelPacket) GetPacketID() uint16  { return p.PacketID }
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }

func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREC, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBREL, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBCOMP, p.PacketID, p.ReasonCode, &p.Props)
}

func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBACK, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBREC, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBREL, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	return decodeAck(r, header, PacketPUBCOMP, &p.PacketID, &p.ReasonCode, &p.Props)
}

func (p *PubackPacket) Validate() error  { return validateAck(PacketPUBACK, p.PacketID, p.ReasonCode) }
func (p *PubrecPacket) Validate() error  { return validateAck(PacketPUBREC, p.PacketID, p.ReasonCode) }
func (p *PubrelPacket) Validate() error  { return validateAck(PacketPUBREL, p.PacketID, p.ReasonCode) }
func (p *PubcompPacket) Validate() error { return validateAck(PacketPUBCOMP, p.PacketID, p.ReasonCode) }

func validateAck(t PacketType, id uint16, rc ReasonCode) error {
	if id == 0 {
		return ErrPacketIDRequired
	}
	if !rc.ValidFor(t) {
		return ErrInvalidReasonCode
	}
	return nil
}

// encodeAck writes the shared PUBACK/PUBREC/PUBREL/PUBCOMP layout. The reason
// code and properties are omitted for a plain success.
func encodeAck(w io.Writer, t PacketType, id uint16, rc ReasonCode, props *Properties) (int, error) {
	if err := validateAck(t, id, rc); err != nil {
		return 0, err
	}

	var body bytesWriter
	writeUint16(&body, id)
	if rc != ReasonSuccess || props.Len() > 0 {
		body.data = append(body.data, byte(rc))
		if props.Len() > 0 {
			if _, err := props.Encode(&body); err != nil {
				return 0, err
			}
		}
	}

	flags, _ := t.requiredFlags()
	return writePacket(w, t, flags, body.data)
}

func decodeAck(r io.Reader, header FixedHeader, t PacketType, id *uint16, rc *ReasonCode, props *Properties) (int, error) {
	if header.PacketType != t {
		return 0, ErrInvalidPacketType
	}

	v, total, err := readUint16(r)
	if err != nil {
		return total, err
	}
	*id = v
	*rc = ReasonSuccess

	if header.RemainingLength > 2 {
		b, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		*rc = ReasonCode(b)
	}

	if header.RemainingLength > 3 {
		n, err := props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
