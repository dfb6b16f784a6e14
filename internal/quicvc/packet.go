package quicvc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// This file implements the QUICVC packet codec: long headers for INITIAL
// and HANDSHAKE packets, and short headers for PROTECTED (data-plane)
// packets. The layout mirrors RFC 9000 Section 17 closely enough that the
// packet-type nibble values (Initial=0, Handshake=2) line up with the
// real QUIC encoding, but this is not an interoperable QUIC
// implementation.

// PacketType identifies the long-header packet kind.
type PacketType uint8

const (
	// PacketTypeInitial carries VC_INIT / VC_RESPONSE / DISCOVERY frames
	// during the handshake.
	PacketTypeInitial PacketType = 0

	// PacketTypeHandshake carries VC_RESPONSE / VC_ACK frames completing
	// the handshake.
	PacketTypeHandshake PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "INITIAL"
	case PacketTypeHandshake:
		return "HANDSHAKE"
	default:
		return "UNKNOWN"
	}
}

const (
	// Version1 is the only QUICVC version this engine speaks.
	Version1 uint32 = 1

	// DefaultCIDLen is the connection-ID length used to match the
	// embedded peer.
	DefaultCIDLen = 8

	// MaxCIDLen is the largest CID length the controller accepts.
	MaxCIDLen = 16

	longFixedBits  = 0xC0 // top two bits of a long-header flags byte
	shortFixedBits = 0x40 // bit 6 of a short-header flags byte
	pktNumLenMask  = 0x03
)

// Sentinel errors for the packet codec.
var (
	ErrPacketTooShort      = errors.New("quicvc: packet too short")
	ErrPacketTooLarge      = errors.New("quicvc: packet exceeds datagram size limit")
	ErrMalformedHeader     = errors.New("quicvc: malformed packet header")
	ErrUnknownVersion      = errors.New("quicvc: unknown protocol version")
	ErrInvalidCIDLength    = errors.New("quicvc: invalid connection id length")
	ErrLengthExceedsBuffer = errors.New("quicvc: length field exceeds remaining buffer")
)

// MaxPacketSize bounds a single UDP datagram this engine will build or parse.
const MaxPacketSize = 1452

// LongHeader is the header of an INITIAL or HANDSHAKE packet.
type LongHeader struct {
	Type         PacketType
	Version      uint32
	DCID         []byte
	SCID         []byte
	Token        []byte // INITIAL only; nil for HANDSHAKE
	PacketNumber uint64
}

// ShortHeader is the header of a PROTECTED packet.
type ShortHeader struct {
	DCID         []byte
	PacketNumber uint64
}

// Header is a tagged union over the two header shapes.
// Exactly one of Long or Short is non-nil.
type Header struct {
	Long  *LongHeader
	Short *ShortHeader
}

func packetNumberLen(pn uint64) int {
	switch {
	case pn <= 0xFF:
		return 1
	case pn <= 0xFFFF:
		return 2
	case pn <= 0xFFFFFFFF:
		return 4
	default:
		return 8 // packet numbers are carried as full u64 above 2^32-1
	}
}

func appendPacketNumber(buf []byte, pn uint64, n int) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], pn)
	return append(buf, tmp[8-n:]...)
}

// BuildLong serializes a long-header packet. payload is the full frame
// payload, already frame-encoded; long-header payloads are not encrypted
// (only short-header packets are). The Length varint is computed from it.
func BuildLong(h LongHeader, payload []byte) ([]byte, error) {
	if len(h.DCID) > MaxCIDLen || len(h.SCID) > MaxCIDLen {
		return nil, ErrInvalidCIDLength
	}

	pnLen := packetNumberLen(h.PacketNumber)
	flags := longFixedBits | byte(h.Type)<<4 | byte(pnLen-1)&pktNumLenMask

	buf := make([]byte, 0, 16+len(h.DCID)+len(h.SCID)+len(h.Token)+len(payload))
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = append(buf, byte(len(h.DCID)))
	buf = append(buf, h.DCID...)
	buf = append(buf, byte(len(h.SCID)))
	buf = append(buf, h.SCID...)

	if h.Type == PacketTypeInitial {
		buf = AppendVarint(buf, uint64(len(h.Token)))
		buf = append(buf, h.Token...)
	}

	buf = AppendVarint(buf, uint64(pnLen)+uint64(len(payload)))
	buf = appendPacketNumber(buf, h.PacketNumber, pnLen)
	buf = append(buf, payload...)

	if len(buf) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return buf, nil
}

// BuildShort serializes a short-header (PROTECTED) packet.
func BuildShort(h ShortHeader, payload []byte) ([]byte, error) {
	if len(h.DCID) != DefaultCIDLen && len(h.DCID) != MaxCIDLen {
		return nil, ErrInvalidCIDLength
	}

	pnLen := packetNumberLen(h.PacketNumber)
	flags := shortFixedBits | byte(pnLen-1)&pktNumLenMask

	buf := make([]byte, 0, 2+len(h.DCID)+len(payload))
	buf = append(buf, flags)
	buf = append(buf, h.DCID...)
	buf = appendPacketNumber(buf, h.PacketNumber, pnLen)
	buf = append(buf, payload...)

	if len(buf) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return buf, nil
}

// ParseHeader inspects the first byte of buf to decide long vs. short
// header, then decodes accordingly. Returns the header, the number of
// header bytes consumed, and the remaining payload slice.
//
// shortDCIDLen is the locally configured CID length; the short header
// carries no length prefix, so the parser must already know it.
func ParseHeader(buf []byte, shortDCIDLen int) (Header, int, []byte, error) {
	if len(buf) < 1 {
		return Header{}, 0, nil, ErrPacketTooShort
	}

	if buf[0]&0x80 != 0 {
		return parseLongHeader(buf)
	}
	return parseShortHeader(buf, shortDCIDLen)
}

func parseLongHeader(buf []byte) (Header, int, []byte, error) {
	if len(buf) < 6 {
		return Header{}, 0, nil, ErrPacketTooShort
	}

	flags := buf[0]
	typ := PacketType((flags >> 4) & 0x03)
	pnLen := int(flags&pktNumLenMask) + 1

	off := 1
	version := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if version != Version1 {
		return Header{}, 0, nil, ErrUnknownVersion
	}

	dcidLen := int(buf[off])
	off++
	if dcidLen > MaxCIDLen || off+dcidLen > len(buf) {
		return Header{}, 0, nil, ErrMalformedHeader
	}
	dcid := buf[off : off+dcidLen]
	off += dcidLen

	if off >= len(buf) {
		return Header{}, 0, nil, ErrPacketTooShort
	}
	scidLen := int(buf[off])
	off++
	if scidLen > MaxCIDLen || off+scidLen > len(buf) {
		return Header{}, 0, nil, ErrMalformedHeader
	}
	scid := buf[off : off+scidLen]
	off += scidLen

	var token []byte
	if typ == PacketTypeInitial {
		tokLen, n, err := DecodeVarint(buf[off:])
		if err != nil {
			return Header{}, 0, nil, fmt.Errorf("quicvc: token length: %w", err)
		}
		off += n
		if off+int(tokLen) > len(buf) {
			return Header{}, 0, nil, ErrMalformedHeader
		}
		token = buf[off : off+int(tokLen)]
		off += int(tokLen)
	}

	length, n, err := DecodeVarint(buf[off:])
	if err != nil {
		return Header{}, 0, nil, fmt.Errorf("quicvc: length field: %w", err)
	}
	off += n

	if off+pnLen > len(buf) {
		return Header{}, 0, nil, ErrPacketTooShort
	}
	pn := decodePacketNumber(buf[off:off+pnLen], pnLen)
	off += pnLen

	payloadLen := int(length) - pnLen
	if payloadLen < 0 || off+payloadLen > len(buf) {
		return Header{}, 0, nil, ErrLengthExceedsBuffer
	}

	hdr := Header{Long: &LongHeader{
		Type:         typ,
		Version:      version,
		DCID:         dcid,
		SCID:         scid,
		Token:        token,
		PacketNumber: pn,
	}}
	return hdr, off, buf[off : off+payloadLen], nil
}

func parseShortHeader(buf []byte, dcidLen int) (Header, int, []byte, error) {
	if dcidLen <= 0 {
		dcidLen = DefaultCIDLen
	}
	if len(buf) < 1+dcidLen+1 {
		return Header{}, 0, nil, ErrPacketTooShort
	}

	flags := buf[0]
	pnLen := int(flags&pktNumLenMask) + 1

	off := 1
	dcid := buf[off : off+dcidLen]
	off += dcidLen

	if off+pnLen > len(buf) {
		return Header{}, 0, nil, ErrPacketTooShort
	}
	pn := decodePacketNumber(buf[off:off+pnLen], pnLen)
	off += pnLen

	hdr := Header{Short: &ShortHeader{DCID: dcid, PacketNumber: pn}}
	return hdr, off, buf[off:], nil
}

func decodePacketNumber(b []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
