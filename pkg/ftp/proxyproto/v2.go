// Package proxyproto implements the PROXY protocol v2 binary header parser
// used by the switchboard in proxy mode. Only TCP-over-IPv4 is accepted;
// anything else is a parse error and the connection must be closed.
package proxyproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Signature is the fixed 12-byte v2 preamble.
var Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	versionCommandByte = 0x21 // version 2, command PROXY (local=0x20 is not accepted)
	familyProtoTCP4    = 0x11 // AF_INET (0x1) << 4 | STREAM (0x1)
	headerFixedLen     = 16   // 12 signature + 1 ver/cmd + 1 family/proto + 2 length
)

// Header is the parsed (real client, real destination) address pair.
type Header struct {
	Source      *net.TCPAddr
	Destination *net.TCPAddr
}

// ErrMalformed is returned for any header that fails signature, version,
// command, family, protocol, or length validation.
var ErrMalformed = errors.New("proxyproto: malformed or unsupported v2 header")

// ParseV2 reads exactly one PROXY protocol v2 header from r and returns the
// decoded address tuple. It accepts a header iff: the 12-byte signature
// matches, version == 2, command == PROXY, family == AF_INET, protocol ==
// STREAM, and length >= 12.
func ParseV2(r io.Reader) (*Header, error) {
	var fixed [headerFixedLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("proxyproto: read header: %w", err)
	}

	if [12]byte(fixed[:12]) != Signature {
		return nil, ErrMalformed
	}
	if fixed[12] != versionCommandByte {
		return nil, ErrMalformed
	}
	if fixed[13] != familyProtoTCP4 {
		return nil, ErrMalformed
	}

	length := binary.BigEndian.Uint16(fixed[14:16])
	if length < 12 {
		return nil, ErrMalformed
	}

	addrBlock := make([]byte, length)
	if _, err := io.ReadFull(r, addrBlock); err != nil {
		return nil, fmt.Errorf("proxyproto: read address block: %w", err)
	}

	srcIP := net.IP(addrBlock[0:4])
	dstIP := net.IP(addrBlock[4:8])
	srcPort := binary.BigEndian.Uint16(addrBlock[8:10])
	dstPort := binary.BigEndian.Uint16(addrBlock[10:12])

	return &Header{
		Source:      &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
		Destination: &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
	}, nil
}
