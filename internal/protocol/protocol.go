// Package protocol defines the NCK client-server wire protocol: message
// framing and the eleven client / five server message bodies, grounded on
// the teacher's internal/ipc/protocol.go (header layout, gob body
// encoding, buffer pooling) and extended with the message catalog from
// _examples/original_source/NCKProtocol.h.
package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"nck/internal/geom"
	"nck/internal/units"
)

// ProtocolName and ProtocolVersion identify this protocol on connect, the
// way NCKProtocol.h's protocolName/protocolVersion do.
const (
	ProtocolName    = "NCK"
	ProtocolVersion = 2 << 16
)

// Client message IDs, in NCKProtocol.h's ClientMessages order.
const (
	MsgSetParametersRequest byte = iota
	MsgPointPickRequest
	MsgRayPickRequest
	MsgPasteUnitRequest
	MsgCreateUnitRequest
	MsgSetUnitStateRequest
	MsgCopyUnitRequest
	MsgDestroyUnitRequest
	MsgReleaseRequest
	MsgLoadStateRequest
	MsgSaveStateRequest
)

// Server message IDs, in NCKProtocol.h's ServerMessages order.
const (
	MsgSessionInvalidNotification byte = iota
	MsgSessionUpdateNotification
	MsgSetParametersNotification
	MsgSimulationUpdateNotification
	MsgSaveStateReply
)

// MaxMessageSize bounds a single frame's body, matching the teacher's
// MaxMessageSize guard against a hostile or corrupt length field.
const MaxMessageSize = 16 * 1024 * 1024

// compressedFlag is set in the header's Reserved byte when the body was
// gzip-compressed before framing, used for SimulationUpdateNotification's
// compressed state snapshots.
const compressedFlag = 0x01

// Header is the fixed 8-byte frame header: protocol-wide version,
// message-type byte, a flag byte, and a body length.
type Header struct {
	Version  uint16
	Type     byte
	Reserved byte
	Length   uint32
}

const HeaderSize = 8

// PointPickRequestMsg is a client's PointPickRequest.
type PointPickRequestMsg struct {
	PickID    units.PickID
	Position  geom.Point
	Radius    float64
	Orient    geom.Quaternion
	Connected bool
}

// RayPickRequestMsg is a client's RayPickRequest.
type RayPickRequestMsg struct {
	PickID    units.PickID
	Position  geom.Point
	Direction geom.Vector
	Orient    geom.Quaternion
	Connected bool
}

// PasteUnitRequestMsg is a client's PasteUnitRequest.
type PasteUnitRequestMsg struct {
	PickID          units.PickID
	Position        geom.Point
	Orient          geom.Quaternion
	LinearVelocity  geom.Vector
	AngularVelocity geom.Vector
}

// CreateUnitRequestMsg is a client's CreateUnitRequest.
type CreateUnitRequestMsg struct {
	PickID          units.PickID
	UnitTypeID      int32
	Position        geom.Point
	Orient          geom.Quaternion
	LinearVelocity  geom.Vector
	AngularVelocity geom.Vector
}

// SetUnitStateRequestMsg is a client's SetUnitStateRequest.
type SetUnitStateRequestMsg struct {
	PickID          units.PickID
	Position        geom.Point
	Orient          geom.Quaternion
	LinearVelocity  geom.Vector
	AngularVelocity geom.Vector
}

// CopyUnitRequestMsg is a client's CopyUnitRequest.
type CopyUnitRequestMsg struct{ PickID units.PickID }

// DestroyUnitRequestMsg is a client's DestroyUnitRequest.
type DestroyUnitRequestMsg struct{ PickID units.PickID }

// ReleaseRequestMsg is a client's ReleaseRequest.
type ReleaseRequestMsg struct{ PickID units.PickID }

// SaveStateRequestMsg is a client's SaveStateRequest; the server replies
// with a SaveStateReply tagged with the same RequestID.
type SaveStateRequestMsg struct{ RequestID uint32 }

// LoadStateRequestMsg is a client's LoadStateRequest, carrying a complete
// serialized snapshot file (see internal/codec) to replace the session.
type LoadStateRequestMsg struct {
	RequestID uint32
	Data      []byte
}

// SetParametersRequestMsg is a client's SetParametersRequest; Params
// mirrors sim.Parameters's fields without importing package sim, which
// would create an import cycle (sim doesn't know about the wire protocol,
// and shouldn't).
type SetParametersRequestMsg struct {
	VertexForceRadius     float64
	VertexForceStrength   float64
	CentralForceOvershoot float64
	CentralForceStrength  float64
	LinearDampening       float64
	AngularDampening      float64
	Attenuation           float64
	TimeFactor            float64
	MaxEffectiveDT        float64
}

// SessionInvalidNotificationMsg tells a client its session is no longer
// valid. internal/server sends it only to a client whose LoadStateRequest
// failed; no client message requests a new SessionUpdate.
type SessionInvalidNotificationMsg struct{}

// SessionUpdateNotificationMsg carries a new session id, domain, and the
// full unit-type dictionary, sent once per client on connect and again
// after any LoadState.
type SessionUpdateNotificationMsg struct {
	SessionID int64
	Domain    units.Domain
	UnitTypes []units.UnitType
}

// SetParametersNotificationMsg echoes the live Parameters to every client,
// including the one that requested the change, so UIs stay consistent.
type SetParametersNotificationMsg struct {
	SetParametersRequestMsg
}

// SimulationUpdateNotificationMsg is the per-broadcast-tick compressed
// state snapshot. The reduced units carry no pick ids; pick-id translation
// lives in the server's per-client tables, not in this message.
type SimulationUpdateNotificationMsg struct {
	SessionID int64
	TimeStamp int64
	Units     []units.ReducedUnitState
}

// SaveStateReplyMsg answers a SaveStateRequest with the serialized
// snapshot bytes (see internal/codec) or an error string.
type SaveStateReplyMsg struct {
	RequestID uint32
	Data      []byte
	Err       string
}

// WriteMessage frames and writes msgType+data to w, gob-encoding data and
// gzip-compressing the body when compress is true.
func WriteMessage(w io.Writer, msgType byte, data interface{}, compress bool) error {
	var raw []byte
	if data != nil {
		buf := getBuffer()
		defer putBuffer(buf)
		if err := gob.NewEncoder(buf).Encode(data); err != nil {
			return fmt.Errorf("protocol: gob encode: %w", err)
		}
		raw = buf.Bytes()
	}

	body := raw
	reserved := byte(0)
	if compress && len(raw) > 0 {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("protocol: gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("protocol: gzip close: %w", err)
		}
		body = zbuf.Bytes()
		reserved |= compressedFlag
	}

	if len(body) > MaxMessageSize {
		return fmt.Errorf("protocol: message too large: %d > %d", len(body), MaxMessageSize)
	}

	headerBuf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(headerBuf[0:2], uint16(ProtocolVersion>>16))
	headerBuf[2] = msgType
	headerBuf[3] = reserved
	binary.LittleEndian.PutUint32(headerBuf[4:8], uint32(len(body)))

	if _, err := w.Write(headerBuf); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("protocol: write body: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r, transparently
// decompressing a gzipped body, and returns the message type and raw
// (gob-encoded) body bytes for the caller to decode with Decode.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, fmt.Errorf("protocol: read header: %w", err)
	}

	version := binary.LittleEndian.Uint16(headerBuf[0:2])
	msgType := headerBuf[2]
	reserved := headerBuf[3]
	length := binary.LittleEndian.Uint32(headerBuf[4:8])

	if uint32(version) != uint32(ProtocolVersion>>16) {
		return 0, nil, fmt.Errorf("protocol: version mismatch: got %d, want %d", version, ProtocolVersion>>16)
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("protocol: message too large: %d > %d", length, MaxMessageSize)
	}

	var body []byte
	if length > 0 {
		body = make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("protocol: read body: %w", err)
		}
	}

	if reserved&compressedFlag != 0 && len(body) > 0 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("protocol: gzip reader: %w", err)
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return 0, nil, fmt.Errorf("protocol: gzip read: %w", err)
		}
		body = decompressed
	}

	return msgType, body, nil
}

// Decode gob-decodes raw message bytes into dst.
func Decode(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(dst); err != nil {
		return fmt.Errorf("protocol: gob decode: %w", err)
	}
	return nil
}

var bufferPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}
