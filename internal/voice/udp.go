package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// discoveryPacketLen is the size of the IP discovery datagram in both
// directions.
const discoveryPacketLen = 70

// discoverExternalAddr runs the voice IP discovery round trip: a probe
// carrying our SSRC goes to the media server, which echoes back the public
// address and port it saw. NAT'd hosts need this before selecting a protocol,
// since the gateway must learn a reachable return path.
func discoverExternalAddr(conn net.Conn, ssrc uint32, timeout time.Duration) (string, int, error) {
	probe := make([]byte, discoveryPacketLen)
	binary.BigEndian.PutUint32(probe, ssrc)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", 0, fmt.Errorf("set discovery deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(probe); err != nil {
		return "", 0, fmt.Errorf("send discovery probe: %w", err)
	}

	reply := make([]byte, discoveryPacketLen)
	n, err := conn.Read(reply)
	if err != nil {
		return "", 0, fmt.Errorf("read discovery reply: %w", err)
	}
	if n < discoveryPacketLen {
		return "", 0, fmt.Errorf("short discovery reply: %d bytes", n)
	}

	// Address: null-terminated string starting at byte 4.
	// Port: trailing two bytes, little endian.
	addr := reply[4 : discoveryPacketLen-2]
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	if len(addr) == 0 {
		return "", 0, errors.New("empty address in discovery reply")
	}
	port := int(binary.LittleEndian.Uint16(reply[discoveryPacketLen-2:]))
	return string(addr), port, nil
}
