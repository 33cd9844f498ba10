package moq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// ALPN is the TLS application protocol negotiated by the QUIC transport.
const ALPN = "livepush-moq"

// Control message type IDs (draft-15).
const (
	MsgGoAway      uint64 = 0x10
	MsgClientSetup uint64 = 0x20
	MsgServerSetup uint64 = 0x21
)

// Version is the MoQ Transport version: draft-15 uses 0xff000000 + draft number.
const Version uint64 = 0xff00000f

// Setup parameter keys. Odd keys carry length-prefixed byte strings, even
// keys a single varint.
const (
	ParamPath          uint64 = 0x01
	ParamMaxRequestID  uint64 = 0x02
	ParamAuthorization uint64 = 0x03
	ParamVideoCodec    uint64 = 0x05
	ParamAudioCodec    uint64 = 0x07
)

// Session termination codes sent in the QUIC CONNECTION_CLOSE frame.
const (
	CodeNoError           uint64 = 0x00
	CodeInternal          uint64 = 0x01
	CodeUnauthorized      uint64 = 0x02
	CodeProtocolViolation uint64 = 0x03
	CodeVersionMismatch   uint64 = 0x15
)

// StreamTypeMPEGTS is the varint that opens the unidirectional media stream.
const StreamTypeMPEGTS uint64 = 0x4d54

// ClientSetup is the first message sent by the publisher.
type ClientSetup struct {
	Versions      []uint64
	Path          string
	HasPath       bool
	Authorization string
	VideoCodec    string
	AudioCodec    string
	MaxRequestID  uint64
}

// ServerSetup is the response to a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads a control message from the control stream.
// Wire format: [message_type (varint)] [message_length (uint16 big-endian)] [payload].
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
		r = br.(io.Reader)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}
	return msgType, payload, nil
}

// WriteControlMsg writes a control message as a single Write call.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("moq: control payload too large (%d bytes)", len(payload))
	}
	buf := quicvarint.Append(nil, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// SerializeClientSetup serializes a CLIENT_SETUP payload. Empty string
// parameters are omitted.
func SerializeClientSetup(cs ClientSetup) []byte {
	buf := quicvarint.Append(nil, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = quicvarint.Append(buf, v)
	}

	type param struct {
		key uint64
		val string
	}
	var params []param
	if cs.HasPath || cs.Path != "" {
		params = append(params, param{ParamPath, cs.Path})
	}
	if cs.Authorization != "" {
		params = append(params, param{ParamAuthorization, cs.Authorization})
	}
	if cs.VideoCodec != "" {
		params = append(params, param{ParamVideoCodec, cs.VideoCodec})
	}
	if cs.AudioCodec != "" {
		params = append(params, param{ParamAudioCodec, cs.AudioCodec})
	}

	n := uint64(len(params))
	if cs.MaxRequestID > 0 {
		n++
	}
	buf = quicvarint.Append(buf, n)
	for _, p := range params {
		buf = quicvarint.Append(buf, p.key)
		buf = appendVarIntBytes(buf, []byte(p.val))
	}
	if cs.MaxRequestID > 0 {
		buf = quicvarint.Append(buf, ParamMaxRequestID)
		buf = quicvarint.Append(buf, cs.MaxRequestID)
	}
	return buf
}

// ParseClientSetup parses a CLIENT_SETUP payload. Unknown parameters are
// skipped.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := newBufReader(data)
	var cs ClientSetup

	numVersions, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_versions", Err: err}
	}
	if numVersions > uint64(len(data)) {
		return cs, &ParseError{Field: "num_versions", Err: io.ErrUnexpectedEOF}
	}

	cs.Versions = make([]uint64, numVersions)
	for i := range cs.Versions {
		v, err := r.readVarint()
		if err != nil {
			return cs, &ParseError{Field: "version", Err: err}
		}
		cs.Versions[i] = v
	}

	numParams, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_params", Err: err}
	}

	for i := uint64(0); i < numParams; i++ {
		key, err := r.readVarint()
		if err != nil {
			return cs, &ParseError{Field: "param_key", Err: err}
		}

		if key%2 == 0 {
			val, err := r.readVarint()
			if err != nil {
				return cs, &ParseError{Field: "param_value", Err: err}
			}
			if key == ParamMaxRequestID {
				cs.MaxRequestID = val
			}
			continue
		}

		val, err := r.readVarIntBytes()
		if err != nil {
			return cs, &ParseError{Field: "param_value", Err: err}
		}
		switch key {
		case ParamPath:
			cs.Path = string(val)
			cs.HasPath = true
		case ParamAuthorization:
			cs.Authorization = string(val)
		case ParamVideoCodec:
			cs.VideoCodec = string(val)
		case ParamAudioCodec:
			cs.AudioCodec = string(val)
		}
	}
	return cs, nil
}

// SupportsVersion reports whether v is among the offered versions.
func (cs ClientSetup) SupportsVersion(v uint64) bool {
	for _, offered := range cs.Versions {
		if offered == v {
			return true
		}
	}
	return false
}

// SerializeServerSetup serializes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, ss.SelectedVersion)
	// NumParams = 1 (MAX_REQUEST_ID)
	buf = quicvarint.Append(buf, 1)
	buf = quicvarint.Append(buf, ParamMaxRequestID)
	buf = quicvarint.Append(buf, ss.MaxRequestID)
	return buf
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := newBufReader(data)
	var ss ServerSetup

	var err error
	ss.SelectedVersion, err = r.readVarint()
	if err != nil {
		return ss, &ParseError{Field: "selected_version", Err: err}
	}
	numParams, err := r.readVarint()
	if err != nil {
		return ss, &ParseError{Field: "num_params", Err: err}
	}
	for i := uint64(0); i < numParams; i++ {
		key, err := r.readVarint()
		if err != nil {
			return ss, &ParseError{Field: "param_key", Err: err}
		}
		if key%2 == 1 {
			if _, err := r.readVarIntBytes(); err != nil {
				return ss, &ParseError{Field: "param_value", Err: err}
			}
			continue
		}
		val, err := r.readVarint()
		if err != nil {
			return ss, &ParseError{Field: "param_value", Err: err}
		}
		if key == ParamMaxRequestID {
			ss.MaxRequestID = val
		}
	}
	return ss, nil
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(ga GoAway) []byte {
	return appendVarIntBytes(nil, []byte(ga.NewSessionURI))
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	uri, err := newBufReader(data).readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
