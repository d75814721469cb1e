package mqterm

import (
	"errors"
	"io"
)

// PacketType is the MQTT control packet type carried in the high nibble of
// the first header byte.
type PacketType byte

const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
	PacketAUTH:        "AUTH",
}

func (p PacketType) String() string {
	if !p.Valid() {
		return "UNKNOWN"
	}
	return packetTypeNames[p]
}

// Valid reports whether p is a defined control packet type.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// requiredFlags returns the fixed flag nibble for p; PUBLISH has none.
func (p PacketType) requiredFlags() (byte, bool) {
	switch p {
	case PacketPUBLISH:
		return 0, false
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		return 0x02, true
	default:
		return 0x00, true
	}
}

var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
)

// FixedHeader is the first part of every control packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Encode writes the header byte and the remaining length.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	buf := make([]byte, 1, 1+maxVarintLen)
	buf[0] = byte(h.PacketType)<<4 | h.Flags&0x0F

	buf, err := appendVarint(buf, h.RemainingLength)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// Decode reads the header from r.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	first, n, err := readByte(r)
	if err != nil {
		return n, err
	}
	if err := h.parseFirstByte(first); err != nil {
		return n, err
	}

	length, n2, err := decodeVarint(r)
	n += n2
	if err != nil {
		return n, err
	}
	h.RemainingLength = length
	return n, nil
}

func (h *FixedHeader) parseFirstByte(b byte) error {
	h.PacketType = PacketType(b >> 4)
	h.Flags = b & 0x0F
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}
	return h.ValidateFlags()
}

// Size returns the encoded header length.
func (h *FixedHeader) Size() int {
	return 1 + varintSize(h.RemainingLength)
}

// ValidateFlags checks the flag nibble against the packet type.
func (h *FixedHeader) ValidateFlags() error {
	if !h.PacketType.Valid() {
		return ErrInvalidPacketType
	}

	want, fixed := h.PacketType.requiredFlags()
	if fixed {
		if h.Flags != want {
			return ErrInvalidPacketFlags
		}
		return nil
	}

	// PUBLISH: QoS 3 is reserved.
	if (h.Flags>>1)&0x03 == 3 {
		return ErrInvalidPacketFlags
	}
	return nil
}

// writePacket frames body with a fixed header and writes the result to w.
func writePacket(w io.Writer, t PacketType, flags byte, body []byte) (int, error) {
	header := FixedHeader{PacketType: t, Flags: flags, RemainingLength: uint32(len(body))}
	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}
	n2, err := w.Write(body)
	return n + n2, err
}
