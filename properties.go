package mqterm

import (
	"encoding/binary"
	"errors"
	"io"
)

// PropertyID identifies an MQTT v5 property.
type PropertyID byte

const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType is the wire data type of a property value.
type PropertyType byte

const (
	PropTypeByte PropertyType = iota
	PropTypeTwoByteInt
	PropTypeFourByteInt
	PropTypeVarInt
	PropTypeString
	PropTypeBinary
	PropTypeStringPair
	// PropTypeOpaque marks an identifier this package does not know.
	PropTypeOpaque
)

var propertyTypes = map[PropertyID]PropertyType{
	PropPayloadFormatIndicator:   PropTypeByte,
	PropMessageExpiryInterval:    PropTypeFourByteInt,
	PropContentType:              PropTypeString,
	PropResponseTopic:            PropTypeString,
	PropCorrelationData:          PropTypeBinary,
	PropSubscriptionIdentifier:   PropTypeVarInt,
	PropSessionExpiryInterval:    PropTypeFourByteInt,
	PropAssignedClientIdentifier: PropTypeString,
	PropServerKeepAlive:          PropTypeTwoByteInt,
	PropAuthenticationMethod:     PropTypeString,
	PropAuthenticationData:       PropTypeBinary,
	PropRequestProblemInfo:       PropTypeByte,
	PropWillDelayInterval:        PropTypeFourByteInt,
	PropRequestResponseInfo:      PropTypeByte,
	PropResponseInformation:      PropTypeString,
	PropServerReference:          PropTypeString,
	PropReasonString:             PropTypeString,
	PropReceiveMaximum:           PropTypeTwoByteInt,
	PropTopicAliasMaximum:        PropTypeTwoByteInt,
	PropTopicAlias:               PropTypeTwoByteInt,
	PropMaximumQoS:               PropTypeByte,
	PropRetainAvailable:          PropTypeByte,
	PropUserProperty:             PropTypeStringPair,
	PropMaximumPacketSize:        PropTypeFourByteInt,
	PropWildcardSubAvailable:     PropTypeByte,
	PropSubscriptionIDAvailable:  PropTypeByte,
	PropSharedSubAvailable:       PropTypeByte,
}

// PropertyType returns the wire type for p, or PropTypeOpaque if unknown.
func (p PropertyID) PropertyType() PropertyType {
	if t, ok := propertyTypes[p]; ok {
		return t
	}
	return PropTypeOpaque
}

// RawProperty holds an unrecognised property. Properties carry no length
// of their own, so Data is everything in the property block after ID.
type RawProperty struct {
	ID   PropertyID
	Data []byte
}

var ErrPropertyLength = errors.New("property length mismatch")

// Properties is an ordered list of MQTT v5 properties.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has reports whether a property with id is present.
func (p *Properties) Has(id PropertyID) bool {
	return p.Get(id) != nil
}

// Get returns the first value stored for id, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for _, prop := range p.props {
		if prop.id == id {
			return prop.value
		}
	}
	return nil
}

// Set replaces the value for id, appending it if absent.
func (p *Properties) Set(id PropertyID, value any) {
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i].value = value
			return
		}
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a value; used for repeatable properties.
func (p *Properties) Add(id PropertyID, value any) {
	p.props = append(p.props, property{id: id, value: value})
}

// Delete removes every property with id.
func (p *Properties) Delete(id PropertyID) {
	kept := p.props[:0]
	for _, prop := range p.props {
		if prop.id != id {
			kept = append(kept, prop)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	p.props = kept
}

func getAs[T any](p *Properties, id PropertyID) T {
	v, _ := p.Get(id).(T)
	return v
}

// Typed getters return the zero value when id is absent or holds another type.

func (p *Properties) GetByte(id PropertyID) byte { return getAs[byte](p, id) }

func (p *Properties) GetUint16(id PropertyID) uint16 { return getAs[uint16](p, id) }

func (p *Properties) GetUint32(id PropertyID) uint32 { return getAs[uint32](p, id) }

func (p *Properties) GetString(id PropertyID) string { return getAs[string](p, id) }

func (p *Properties) GetBinary(id PropertyID) []byte { return getAs[[]byte](p, id) }

// StringPairs returns all pair values stored under id.
func (p *Properties) StringPairs(id PropertyID) []StringPair {
	if p == nil {
		return nil
	}
	var out []StringPair
	for _, prop := range p.props {
		if sp, ok := prop.value.(StringPair); ok && prop.id == id {
			out = append(out, sp)
		}
	}
	return out
}

// VarInts returns all variable byte integer values stored under id.
func (p *Properties) VarInts(id PropertyID) []uint32 {
	if p == nil {
		return nil
	}
	var out []uint32
	for _, prop := range p.props {
		if v, ok := prop.value.(uint32); ok && prop.id == id {
			out = append(out, v)
		}
	}
	return out
}

// Unknown returns the opaque properties preserved during decoding.
func (p *Properties) Unknown() []RawProperty {
	if p == nil {
		return nil
	}
	var out []RawProperty
	for _, prop := range p.props {
		if raw, ok := prop.value.(RawProperty); ok {
			out = append(out, raw)
		}
	}
	return out
}

func (p *Properties) size() int {
	if p == nil {
		return 0
	}

	size := 0
	for _, prop := range p.props {
		size++
		switch v := prop.value.(type) {
		case RawProperty:
			size += len(v.Data)
			continue
		case string:
			size += 2 + len(v)
			continue
		case []byte:
			size += 2 + len(v)
			continue
		case StringPair:
			size += 4 + len(v.Key) + len(v.Value)
			continue
		}
		switch prop.id.PropertyType() {
		case PropTypeByte:
			size++
		case PropTypeTwoByteInt:
			size += 2
		case PropTypeFourByteInt:
			size += 4
		case PropTypeVarInt:
			v, _ := prop.value.(uint32)
			size += varintSize(v)
		case PropTypeString, PropTypeBinary:
			size += 2
		case PropTypeStringPair:
			size += 4
		}
	}
	return size
}

// Encode writes the property length followed by each property.
func (p *Properties) Encode(w io.Writer) (int, error) {
	buf, err := appendVarint(nil, uint32(p.size()))
	if err != nil {
		return 0, err
	}

	body := bytesWriter{data: buf}
	for _, prop := range p.allProps() {
		if err := encodeProperty(&body, prop); err != nil {
			return 0, err
		}
	}
	return w.Write(body.data)
}

func (p *Properties) allProps() []property {
	if p == nil {
		return nil
	}
	return p.props
}

func encodeProperty(w *bytesWriter, prop property) error {
	w.data = append(w.data, byte(prop.id))

	if raw, ok := prop.value.(RawProperty); ok {
		w.data = append(w.data, raw.Data...)
		return nil
	}

	var err error
	switch prop.id.PropertyType() {
	case PropTypeByte:
		b, _ := prop.value.(byte)
		w.data = append(w.data, b)
	case PropTypeTwoByteInt:
		v, _ := prop.value.(uint16)
		w.data = binary.BigEndian.AppendUint16(w.data, v)
	case PropTypeFourByteInt:
		v, _ := prop.value.(uint32)
		w.data = binary.BigEndian.AppendUint32(w.data, v)
	case PropTypeVarInt:
		v, _ := prop.value.(uint32)
		w.data, err = appendVarint(w.data, v)
	case PropTypeString:
		s, _ := prop.value.(string)
		_, err = encodeString(w, s)
	case PropTypeBinary:
		b, _ := prop.value.([]byte)
		_, err = encodeBinary(w, b)
	case PropTypeStringPair:
		sp, _ := prop.value.(StringPair)
		_, err = encodeStringPair(w, sp)
	}
	return err
}

// Decode reads a property block. An unknown identifier ends typed parsing
// and the rest of the block is kept as a RawProperty.
func (p *Properties) Decode(r io.Reader) (int, error) {
	length, n, err := decodeVarint(r)
	if err != nil || length == 0 {
		return n, err
	}

	block := make([]byte, length)
	n2, err := io.ReadFull(r, block)
	n += n2
	if err != nil {
		return n, err
	}

	br := &bytesReader{data: block}
	for br.Len() > 0 {
		idByte, _, _ := readByte(br)
		id := PropertyID(idByte)

		var value any
		switch id.PropertyType() {
		case PropTypeOpaque:
			value = RawProperty{ID: id, Data: br.Rest()}
		case PropTypeByte:
			value, _, err = readByte(br)
		case PropTypeTwoByteInt:
			value, _, err = readUint16(br)
		case PropTypeFourByteInt:
			var buf [4]byte
			_, err = io.ReadFull(br, buf[:])
			value = binary.BigEndian.Uint32(buf[:])
		case PropTypeVarInt:
			value, _, err = decodeVarint(br)
		case PropTypeString:
			value, _, err = decodeString(br)
		case PropTypeBinary:
			value, _, err = decodeBinary(br)
		case PropTypeStringPair:
			value, _, err = decodeStringPair(br)
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				err = ErrPropertyLength
			}
			return n, err
		}

		p.props = append(p.props, property{id: id, value: value})
	}
	return n, nil
}
