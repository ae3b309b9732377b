package broker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

var (
	connAck  = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp = []byte{0xD0, 0x00}
)

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) == 0 || len(topic) > 0xFFFF {
		return nil, fmt.Errorf("invalid topic length %d", len(topic))
	}

	body := 2 + len(topic) + len(payload)
	length := encodeLength(body)

	out := make([]byte, 0, 1+len(length)+body)
	out = append(out, packetPublish<<4)
	out = append(out, length...)
	out = append(out, byte(len(topic)>>8), byte(len(topic)))
	out = append(out, topic...)
	out = append(out, payload...)
	return out, nil
}

// encodeAck builds SUBACK (granted QoS 0 for every filter) or UNSUBACK.
func encodeAck(kind byte, packetID uint16, grants int) []byte {
	body := 2 + grants
	out := make([]byte, 0, 2+body)
	out = append(out, kind)
	out = append(out, encodeLength(body)...)
	out = append(out, byte(packetID>>8), byte(packetID))
	for i := 0; i < grants; i++ {
		out = append(out, 0x00)
	}
	return out
}

func encodeLength(n int) []byte {
	if n < 0 {
		n = 0
	}
	var out []byte
	for {
		digit := byte(n % 128)
		n /= 128
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}

func readLength(r *bufio.Reader) (int, error) {
	value, multiplier := 0, 1
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

// fields walks the variable header and payload of a packet.
type fields []byte

func (f *fields) readByte() (byte, error) {
	if len(*f) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*f)[0]
	*f = (*f)[1:]
	return v, nil
}

func (f *fields) readUint16() (uint16, error) {
	if len(*f) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*f)[0])<<8 | uint16((*f)[1])
	*f = (*f)[2:]
	return v, nil
}

func (f *fields) readString() (string, error) {
	n, err := f.readUint16()
	if err != nil {
		return "", err
	}
	if len(*f) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*f)[:n])
	*f = (*f)[n:]
	return s, nil
}

func (f *fields) rest() []byte {
	out := make([]byte, len(*f))
	copy(out, *f)
	*f = nil
	return out
}

func (f *fields) empty() bool { return len(*f) == 0 }

// matchTopic reports whether topic matches an MQTT subscription filter
// supporting the single-level '+' and multi-level '#' wildcards.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		if part == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if part != "+" && part != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
