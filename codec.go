package mqterm

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNeedMoreData reports that the buffer holds only part of a packet.
	ErrNeedMoreData      = errors.New("mqterm: incomplete packet")
	ErrPacketTooLarge    = errors.New("mqterm: packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("mqterm: unknown packet type")
)

func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketAUTH:
		return &AuthPacket{}, nil
	}
	return nil, ErrUnknownPacketType
}

// EncodePacket returns the wire form of p.
func EncodePacket(p Packet) ([]byte, error) {
	var buf bytesWriter
	if _, err := p.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// DecodePacket decodes the first packet in buf and returns it with the
// number of bytes consumed. It returns ErrNeedMoreData, consuming nothing,
// when buf ends before the packet does; any other failure wraps
// ErrMalformedPacket. A maxSize of 0 disables the size check.
func DecodePacket(buf []byte, maxSize uint32) (Packet, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	var header FixedHeader
	if err := header.parseFirstByte(buf[0]); err != nil {
		return nil, 0, malformed(err)
	}

	length, lenSize, ok, err := parseVarint(buf[1:])
	if err != nil {
		return nil, 0, malformed(err)
	}
	if !ok {
		return nil, 0, ErrNeedMoreData
	}
	header.RemainingLength = length

	total := 1 + lenSize + int(length)
	if maxSize > 0 && uint32(total) > maxSize {
		return nil, 0, ErrPacketTooLarge
	}
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	pkt, err := decodeBody(header, buf[1+lenSize:total])
	if err != nil {
		return nil, 0, err
	}
	return pkt, total, nil
}

func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	pkt, err := newPacket(header.PacketType)
	if err != nil {
		return nil, malformed(err)
	}

	r := &bytesReader{data: body}
	if _, err := pkt.Decode(r, header); err != nil {
		return nil, malformed(err)
	}
	if r.Len() != 0 {
		return nil, malformed(fmt.Errorf("%d trailing bytes in %s", r.Len(), header.PacketType))
	}
	return pkt, nil
}

func malformed(err error) error {
	if errors.Is(err, ErrMalformedPacket) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = errors.New("packet body truncated")
	}
	return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
}

// Decoder reassembles packets from a byte stream split at arbitrary points.
type Decoder struct {
	buf     []byte
	maxSize uint32
}

// NewDecoder returns a Decoder rejecting packets above maxSize (0 = no limit).
func NewDecoder(maxSize uint32) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete packet, or ErrNeedMoreData.
func (d *Decoder) Next() (Packet, error) {
	pkt, n, err := DecodePacket(d.buf, d.maxSize)
	if err != nil {
		return nil, err
	}

	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return pkt, nil
}

// ReadPacket reads one packet from r, blocking until it is complete.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		if errors.Is(err, ErrVarintMalformed) || errors.Is(err, ErrInvalidPacketType) || errors.Is(err, ErrInvalidPacketFlags) {
			err = malformed(err)
		}
		return nil, n, err
	}

	if maxSize > 0 && uint32(header.Size())+header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	body := make([]byte, header.RemainingLength)
	n2, err := io.ReadFull(r, body)
	n += n2
	if err != nil {
		return nil, n, err
	}

	pkt, err := decodeBody(header, body)
	return pkt, n, err
}

// WritePacket encodes p and writes it to w in one call.
func WritePacket(w io.Writer, p Packet, maxSize uint32) (int, error) {
	data, err := EncodePacket(p)
	if err != nil {
		return 0, err
	}
	if maxSize > 0 && uint32(len(data)) > maxSize {
		return 0, ErrPacketTooLarge
	}
	return w.Write(data)
}

type bytesWriter struct {
	data []byte
}

func (b *bytesWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Len returns the number of unread bytes.
func (r *bytesReader) Len() int {
	return len(r.data) - r.pos
}

// Rest consumes and returns all unread bytes.
func (r *bytesReader) Rest() []byte {
	rest := r.data[r.pos:]
	r.pos = len(r.data)
	return rest
}

// fieldReader reads packet fields and keeps the first error.
type fieldReader struct {
	r   io.Reader
	n   int
	err error
}

func (d *fieldReader) u8() byte {
	if d.err != nil {
		return 0
	}
	b, n, err := readByte(d.r)
	d.n += n
	d.err = err
	return b
}

func (d *fieldReader) u16() uint16 {
	if d.err != nil {
		return 0
	}
	v, n, err := readUint16(d.r)
	d.n += n
	d.err = err
	return v
}

func (d *fieldReader) str() string {
	if d.err != nil {
		return ""
	}
	s, n, err := decodeString(d.r)
	d.n += n
	d.err = err
	return s
}

func (d *fieldReader) bin() []byte {
	if d.err != nil {
		return nil
	}
	b, n, err := decodeBinary(d.r)
	d.n += n
	d.err = err
	return b
}

func (d *fieldReader) props(p *Properties) {
	if d.err != nil {
		return
	}
	n, err := p.Decode(d.r)
	d.n += n
	d.err = err
}
