package lwm2mcore

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// CoAP option numbers (RFC 7252 §12.2, RFC 7959, RFC 7641). Declared here
// rather than imported from go-coap/v2/message since framing a Message to
// and from wire bytes is this package's own concern - the engines never
// see raw option numbers, only the decoded Message fields.
const (
	optObserve      = 6
	optUriPath      = 11
	optContentFmt   = 12
	optUriQuery     = 15
	optAccept       = 17
	optBlock2       = 23
	optBlock1       = 27
)

const coapVersion1 = 1

// EncodeMessage renders m as a RFC 7252 binary CoAP datagram.
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.Token) > 8 {
		return nil, fmt.Errorf("lwm2mcore: token too long (%d bytes)", len(m.Token))
	}
	var buf bytes.Buffer
	first := byte(coapVersion1<<6) | byte(m.Type)<<4 | byte(len(m.Token))
	buf.WriteByte(first)
	buf.WriteByte(byte(m.Code))
	buf.WriteByte(byte(m.MsgID >> 8))
	buf.WriteByte(byte(m.MsgID))
	buf.Write(m.Token)

	opts := buildOptions(m)
	prevNum := 0
	for _, o := range opts {
		writeOption(&buf, prevNum, o.num, o.value)
		prevNum = o.num
	}
	if len(m.Payload) > 0 {
		buf.WriteByte(0xFF)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

type wireOption struct {
	num   int
	value []byte
}

func buildOptions(m *Message) []wireOption {
	var opts []wireOption
	switch {
	case m.URI != "":
		for _, seg := range strings.Split(strings.Trim(m.URI, "/"), "/") {
			opts = append(opts, wireOption{optUriPath, []byte(seg)})
		}
	case m.Path.Depth() > 0:
		for _, seg := range strings.Split(strings.TrimPrefix(m.Path.String(), "/"), "/") {
			opts = append(opts, wireOption{optUriPath, []byte(seg)})
		}
	}
	if m.Format != 0 || m.Payload != nil {
		opts = append(opts, wireOption{optContentFmt, uintOptionValue(uint32(m.Format))})
	}
	if m.Accept != 0 {
		opts = append(opts, wireOption{optAccept, uintOptionValue(uint32(m.Accept))})
	}
	for k, v := range m.Query {
		opts = append(opts, wireOption{optUriQuery, []byte(k + "=" + v)})
	}
	if m.Observe != nil {
		opts = append(opts, wireOption{optObserve, uintOptionValue(*m.Observe)})
	}
	if m.Block1 != nil {
		opts = append(opts, wireOption{optBlock1, uintOptionValue(encodeBlockValue(*m.Block1))})
	}
	if m.Block2 != nil {
		opts = append(opts, wireOption{optBlock2, uintOptionValue(encodeBlockValue(*m.Block2))})
	}
	sortOptions(opts)
	return opts
}

func sortOptions(opts []wireOption) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j].num < opts[j-1].num; j-- {
			opts[j], opts[j-1] = opts[j-1], opts[j]
		}
	}
}

func uintOptionValue(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func optionUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func encodeBlockValue(b BlockOption) uint32 {
	v := b.Num << 4
	if b.More {
		v |= 1 << 3
	}
	v |= uint32(b.SizeExp)
	return v
}

func decodeBlockValue(v uint32) BlockOption {
	return BlockOption{Num: v >> 4, More: v&(1<<3) != 0, SizeExp: uint8(v & 0x7)}
}

func writeOption(buf *bytes.Buffer, prevNum, num int, value []byte) {
	delta := num - prevNum
	length := len(value)
	deltaNibble, extDelta := splitOptionField(delta)
	lengthNibble, extLength := splitOptionField(length)
	buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
	buf.Write(extDelta)
	buf.Write(extLength)
	buf.Write(value)
}

// splitOptionField implements RFC 7252 §3.1's option delta/length nibble
// extension rule: values below 13 fit the nibble directly, 13..268 use one
// extension byte (value-13), and larger values use a two-byte extension
// (value-269).
func splitOptionField(v int) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ev := v - 269
		return 14, []byte{byte(ev >> 8), byte(ev)}
	}
}

// DecodeMessage parses a RFC 7252 binary CoAP datagram into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lwm2mcore: datagram too short (%d bytes)", len(data))
	}
	first := data[0]
	if first>>6 != coapVersion1 {
		return nil, fmt.Errorf("lwm2mcore: unsupported coap version %d", first>>6)
	}
	typ := MsgType((first >> 4) & 0x3)
	tkl := int(first & 0xF)
	if tkl > 8 {
		return nil, fmt.Errorf("lwm2mcore: invalid token length %d", tkl)
	}
	code := codes.Code(data[1])
	msgID := uint16(data[2])<<8 | uint16(data[3])
	pos := 4
	if len(data) < pos+tkl {
		return nil, fmt.Errorf("lwm2mcore: truncated token")
	}
	token := append([]byte(nil), data[pos:pos+tkl]...)
	pos += tkl

	m := &Message{Type: typ, Code: code, MsgID: msgID, Token: token, Query: map[string]string{}}
	var pathSegs []string
	optNum := 0
	for pos < len(data) {
		if data[pos] == 0xFF {
			pos++
			break
		}
		deltaNibble := int(data[pos] >> 4)
		lengthNibble := int(data[pos] & 0xF)
		pos++
		delta, n, err := readOptionField(data, pos, deltaNibble)
		if err != nil {
			return nil, err
		}
		pos += n
		length, n, err := readOptionField(data, pos, lengthNibble)
		if err != nil {
			return nil, err
		}
		pos += n
		if len(data) < pos+length {
			return nil, fmt.Errorf("lwm2mcore: truncated option value")
		}
		value := data[pos : pos+length]
		pos += length
		optNum += delta
		applyOption(m, optNum, value, &pathSegs)
	}
	if len(pathSegs) > 0 {
		joined := strings.Join(pathSegs, "/")
		if p, err := ParsePath(joined); err == nil {
			m.Path = p
		} else {
			m.URI = joined
		}
	}
	m.Payload = append([]byte(nil), data[pos:]...)
	return m, nil
}

func readOptionField(data []byte, pos, nibble int) (value, consumed int, err error) {
	switch {
	case nibble < 13:
		return nibble, 0, nil
	case nibble == 13:
		if len(data) < pos+1 {
			return 0, 0, fmt.Errorf("lwm2mcore: truncated option field")
		}
		return int(data[pos]) + 13, 1, nil
	case nibble == 14:
		if len(data) < pos+2 {
			return 0, 0, fmt.Errorf("lwm2mcore: truncated option field")
		}
		return (int(data[pos])<<8 | int(data[pos+1])) + 269, 2, nil
	default:
		return 0, 0, fmt.Errorf("lwm2mcore: reserved option field marker 15")
	}
}

func applyOption(m *Message, num int, value []byte, pathSegs *[]string) {
	switch num {
	case optUriPath:
		*pathSegs = append(*pathSegs, string(value))
	case optContentFmt:
		m.Format = ContentFormat(optionUint(value))
	case optAccept:
		m.Accept = ContentFormat(optionUint(value))
	case optUriQuery:
		kv := strings.SplitN(string(value), "=", 2)
		if len(kv) == 2 {
			m.Query[kv[0]] = kv[1]
		} else {
			m.Query[kv[0]] = ""
		}
	case optObserve:
		v := optionUint(value)
		m.Observe = &v
	case optBlock1:
		b := decodeBlockValue(optionUint(value))
		m.Block1 = &b
	case optBlock2:
		b := decodeBlockValue(optionUint(value))
		m.Block2 = &b
	}
}
