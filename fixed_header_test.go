package mqterm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "CONNECT", PacketCONNECT.String())
	assert.Equal(t, "AUTH", PacketAUTH.String())
	assert.Equal(t, "UNKNOWN", PacketType(0).String())
	assert.Equal(t, "UNKNOWN", PacketType(16).String())
}

func TestFixedHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		header  FixedHeader
		encoded []byte
	}{
		{
			name:    "PINGREQ",
			header:  FixedHeader{PacketType: PacketPINGREQ},
			encoded: []byte{0xC0, 0x00},
		},
		{
			name:    "PUBLISH QoS1 retain",
			header:  FixedHeader{PacketType: PacketPUBLISH, Flags: 0x03, RemainingLength: 200},
			encoded: []byte{0x33, 0xC8, 0x01},
		},
		{
			name:    "SUBSCRIBE",
			header:  FixedHeader{PacketType: PacketSUBSCRIBE, Flags: 0x02, RemainingLength: 16384},
			encoded: []byte{0x82, 0x80, 0x80, 0x01},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.header.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.encoded, buf.Bytes())
			assert.Equal(t, tt.header.Size(), n)

			var decoded FixedHeader
			n, err = decoded.Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, len(tt.encoded), n)
			assert.Equal(t, tt.header, decoded)
		})
	}
}

func TestFixedHeaderEncodeInvalidType(t *testing.T) {
	h := FixedHeader{PacketType: 0}
	_, err := h.Encode(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrInvalidPacketType)
}

func TestFixedHeaderValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		header  FixedHeader
		wantErr error
	}{
		{name: "CONNECT zero flags", header: FixedHeader{PacketType: PacketCONNECT}},
		{name: "CONNECT with flags", header: FixedHeader{PacketType: PacketCONNECT, Flags: 0x01}, wantErr: ErrInvalidPacketFlags},
		{name: "PUBREL required flags", header: FixedHeader{PacketType: PacketPUBREL, Flags: 0x02}},
		{name: "PUBREL zero flags", header: FixedHeader{PacketType: PacketPUBREL}, wantErr: ErrInvalidPacketFlags},
		{name: "UNSUBSCRIBE required flags", header: FixedHeader{PacketType: PacketUNSUBSCRIBE, Flags: 0x02}},
		{name: "PUBLISH dup QoS2 retain", header: FixedHeader{PacketType: PacketPUBLISH, Flags: 0x0D}},
		{name: "PUBLISH QoS3", header: FixedHeader{PacketType: PacketPUBLISH, Flags: 0x06}, wantErr: ErrInvalidPacketFlags},
		{name: "invalid type", header: FixedHeader{PacketType: 0}, wantErr: ErrInvalidPacketType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.ValidateFlags()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFixedHeaderDecodeErrors(t *testing.T) {
	var h FixedHeader
	_, err := h.Decode(bytes.NewReader([]byte{0x00, 0x00}))
	assert.ErrorIs(t, err, ErrInvalidPacketType)

	_, err = h.Decode(bytes.NewReader([]byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrVarintMalformed)
}
