package capture

import (
	"encoding/binary"
)

// synthesizeSegment wraps an UNLINK/RET_UNLINK URB frame in a minimal
// IPv4+TCP header so the raw capture interface shows it the way it
// actually traveled: as bytes inside the session's one TCP stream. Port
// 3240 is USB/IP's registered port in both directions since this is a
// loopback-style synthesis, not a real capture off the wire.
//
// seq is a monotonically increasing per-interface counter, not a real TCP
// sequence number; it exists only so packets sort and diff sensibly in a
// capture viewer, not to reconstruct a byte-accurate stream.
func synthesizeSegment(toDevice bool, seq uint64, payload []byte) []byte {
	const (
		ipHeaderLen  = 20
		tcpHeaderLen = 20
		usbipPort    = 3240
	)

	srcPort, dstPort := uint16(usbipPort), uint16(usbipPort)
	flags := uint8(0x18) // PSH|ACK
	if seq == 1 {
		flags = 0x02 // SYN, first segment on the synthesized stream
	}

	tcp := make([]byte, tcpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], uint32(seq))
	binary.BigEndian.PutUint32(tcp[8:12], 0)
	tcp[12] = byte(tcpHeaderLen/4) << 4 // data offset in 32-bit words
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 65535) // window
	binary.BigEndian.PutUint16(tcp[16:18], 0)      // checksum, filled below
	binary.BigEndian.PutUint16(tcp[18:20], 0)      // urgent pointer
	copy(tcp[tcpHeaderLen:], payload)

	srcIP, dstIP := [4]byte{127, 0, 0, 1}, [4]byte{127, 0, 0, 1}
	if toDevice {
		srcIP, dstIP = [4]byte{10, 0, 0, 2}, [4]byte{127, 0, 0, 1}
	} else {
		srcIP, dstIP = [4]byte{127, 0, 0, 1}, [4]byte{10, 0, 0, 2}
	}
	binary.BigEndian.PutUint16(tcp[16:18], tcpChecksum(srcIP, dstIP, tcp))

	ip := make([]byte, ipHeaderLen+len(tcp))
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(len(ip)))
	binary.BigEndian.PutUint16(ip[4:6], uint16(seq))
	ip[6], ip[7] = 0, 0 // flags/fragment offset
	ip[8] = 64          // TTL
	ip[9] = 6           // protocol: TCP
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	copy(ip[ipHeaderLen:], tcp)
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip[:ipHeaderLen]))

	return ip
}

func ipChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func tcpChecksum(srcIP, dstIP [4]byte, tcpSegment []byte) uint16 {
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[8] = 0
	pseudo[9] = 6 // TCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcpSegment)))

	var sum uint32
	accumulate := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}
	accumulate(pseudo)
	accumulate(tcpSegment)
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
