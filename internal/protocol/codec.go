package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Frame layout: [u32 length][u16 kind][u8 version][u8 reserved][payload].
// The length counts everything after itself, so length = 4 + len(payload).
// All integers are big-endian.
const (
	frameHeaderSize = 8
	minFrameLength  = 4

	// MaxFrameSize bounds a single frame. Control traffic is small; a frame
	// this large is a protocol violation, not backpressure.
	MaxFrameSize = 16 << 20
)

// Errors surfaced by the codec. All of them are protocol errors in the
// sense of the server's error taxonomy: the peer misbehaved.
var (
	ErrUnknownKind   = errors.New("unknown message kind")
	ErrBadVersion    = errors.New("protocol version mismatch")
	ErrFrameTooShort = errors.New("frame shorter than its fixed header")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed payload")
)

// Payload value type tags. Every value is tagged so decoders can skip
// fields they do not understand.
const (
	tagUint   byte = 0x01 // u64 big-endian
	tagString byte = 0x02 // u32 length + bytes
	tagBytes  byte = 0x03 // u32 length + bytes
	tagList   byte = 0x04 // u32 count + tagged values
	tagMap    byte = 0x05 // u32 count + (u32-prefixed key, tagged value)
	tagBool   byte = 0x06 // u8
)

type value struct {
	tag  byte
	u    uint64
	s    string
	b    []byte
	list []value
	m    fields
}

type fields map[string]value

func uintValue(u uint64) value   { return value{tag: tagUint, u: u} }
func stringValue(s string) value { return value{tag: tagString, s: s} }
func bytesValue(b []byte) value  { return value{tag: tagBytes, b: b} }
func listValue(l []value) value  { return value{tag: tagList, list: l} }
func mapValue(f fields) value    { return value{tag: tagMap, m: f} }

func boolValue(b bool) value {
	v := value{tag: tagBool}
	if b {
		v.u = 1
	}
	return v
}

func stringListValue(ss []string) value {
	l := make([]value, 0, len(ss))
	for _, s := range ss {
		l = append(l, stringValue(s))
	}
	return listValue(l)
}

func (f fields) uintOr(key string, def uint64) uint64 {
	if v, ok := f[key]; ok && (v.tag == tagUint || v.tag == tagBool) {
		return v.u
	}
	return def
}

func (f fields) stringOr(key, def string) string {
	if v, ok := f[key]; ok && v.tag == tagString {
		return v.s
	}
	return def
}

func (f fields) boolOr(key string, def bool) bool {
	if v, ok := f[key]; ok && (v.tag == tagBool || v.tag == tagUint) {
		return v.u != 0
	}
	return def
}

func (f fields) listOr(key string) []value {
	if v, ok := f[key]; ok && v.tag == tagList {
		return v.list
	}
	return nil
}

func (f fields) mapOr(key string) fields {
	if v, ok := f[key]; ok && v.tag == tagMap {
		return v.m
	}
	return nil
}

func (f fields) stringListOr(key string) []string {
	list := f.listOr(key)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v.tag == tagString {
			out = append(out, v.s)
		}
	}
	return out
}

func appendU16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }
func appendU32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }
func appendU64(dst []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(dst, v) }

func appendValue(dst []byte, v value) []byte {
	dst = append(dst, v.tag)
	switch v.tag {
	case tagUint:
		dst = appendU64(dst, v.u)
	case tagString:
		dst = appendU32(dst, uint32(len(v.s)))
		dst = append(dst, v.s...)
	case tagBytes:
		dst = appendU32(dst, uint32(len(v.b)))
		dst = append(dst, v.b...)
	case tagList:
		dst = appendU32(dst, uint32(len(v.list)))
		for _, e := range v.list {
			dst = appendValue(dst, e)
		}
	case tagMap:
		dst = appendFields(dst, v.m)
	case tagBool:
		dst = append(dst, byte(v.u&1))
	}
	return dst
}

// appendFields emits the map in sorted key order so that encoding is
// deterministic; decoders accept any order.
func appendFields(dst []byte, f fields) []byte {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst = appendU32(dst, uint32(len(keys)))
	for _, k := range keys {
		dst = appendU32(dst, uint32(len(k)))
		dst = append(dst, k...)
		dst = appendValue(dst, f[k])
	}
	return dst
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *payloadReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *payloadReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *payloadReader) value() (value, error) {
	tag, err := r.u8()
	if err != nil {
		return value{}, err
	}
	switch tag {
	case tagUint:
		u, err := r.u64()
		return value{tag: tagUint, u: u}, err
	case tagString, tagBytes:
		n, err := r.u32()
		if err != nil {
			return value{}, err
		}
		b, err := r.take(int(n))
		if err != nil {
			return value{}, err
		}
		if tag == tagString {
			return value{tag: tagString, s: string(b)}, nil
		}
		out := make([]byte, len(b))
		copy(out, b)
		return value{tag: tagBytes, b: out}, nil
	case tagList:
		n, err := r.u32()
		if err != nil {
			return value{}, err
		}
		list := make([]value, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := r.value()
			if err != nil {
				return value{}, err
			}
			list = append(list, v)
		}
		return value{tag: tagList, list: list}, nil
	case tagMap:
		f, err := r.fields()
		return value{tag: tagMap, m: f}, err
	case tagBool:
		b, err := r.u8()
		return value{tag: tagBool, u: uint64(b & 1)}, err
	default:
		return value{}, fmt.Errorf("%w: value tag 0x%02X", ErrMalformed, tag)
	}
}

func (r *payloadReader) fields() (fields, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	f := make(fields, n)
	for i := uint32(0); i < n; i++ {
		klen, err := r.u32()
		if err != nil {
			return nil, err
		}
		kb, err := r.take(int(klen))
		if err != nil {
			return nil, err
		}
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		f[string(kb)] = v
	}
	return f, nil
}

// EncodeFrame renders a full wire frame for the message.
func EncodeFrame(m Message) []byte {
	payload := appendFields(nil, m.fields())
	frame := make([]byte, 0, frameHeaderSize+len(payload))
	frame = appendU32(frame, uint32(minFrameLength+len(payload)))
	frame = appendU16(frame, uint16(m.Kind()))
	frame = append(frame, Version, 0)
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame parses one complete frame. The input must start at the frame
// header and contain the whole frame; extra trailing bytes are an error
// (use FrameReader for streams).
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrFrameTooShort
	}
	length := binary.BigEndian.Uint32(frame)
	if length < minFrameLength {
		return nil, ErrFrameTooShort
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if int(length)+4 != len(frame) {
		return nil, fmt.Errorf("%w: frame length %d does not match buffer %d", ErrMalformed, length, len(frame)-4)
	}
	return decodeBody(frame[4:])
}

// decodeBody parses [kind][version][reserved][payload].
func decodeBody(body []byte) (Message, error) {
	kind := Kind(binary.BigEndian.Uint16(body))
	if body[2] != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, body[2], Version)
	}
	r := &payloadReader{buf: body[4:]}
	f, err := r.fields()
	if err != nil {
		return nil, err
	}
	return decodeMessage(kind, f)
}

// WriteMessage writes a full frame to a blocking writer. This is the
// client-side send path; the server routes frames through its buffered
// channels instead.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(EncodeFrame(m))
	return err
}

// ReadMessage reads exactly one frame from a blocking reader.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < minFrameLength {
		return nil, ErrFrameTooShort
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return decodeBody(body)
}

// FrameReader incrementally assembles frames from a non-blocking byte
// stream. Feed it whatever the channel produced and pull complete frames
// with Next. It never blocks and never consumes a partial frame.
type FrameReader struct {
	buf []byte
}

// Feed appends newly received bytes.
func (fr *FrameReader) Feed(b []byte) {
	fr.buf = append(fr.buf, b...)
}

// Buffered reports how many unconsumed bytes the reader holds.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }

// Next returns the next complete frame, if any. ok reports whether a frame
// was consumed, or whether the length header at the front is invalid
// (ErrFrameTooShort, ErrFrameTooLarge; the buffer is left as it is then).
// A non-nil error with ok=true otherwise means the consumed frame was
// invalid or of an unknown kind; the stream itself remains usable unless
// the error is ErrFrameTooShort, ErrFrameTooLarge or ErrBadVersion, which
// indicate an unrecoverable peer.
func (fr *FrameReader) Next() (msg Message, ok bool, err error) {
	if len(fr.buf) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(fr.buf)
	if length < minFrameLength {
		return nil, true, ErrFrameTooShort
	}
	if length > MaxFrameSize {
		return nil, true, ErrFrameTooLarge
	}
	total := 4 + int(length)
	if len(fr.buf) < total {
		return nil, false, nil
	}
	body := fr.buf[4:total]
	msg, err = decodeBody(body)
	// Shift the consumed frame off the front. The buffer is small (control
	// traffic), so the copy is cheap.
	n := copy(fr.buf, fr.buf[total:])
	fr.buf = fr.buf[:n]
	return msg, true, err
}
