package cluster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

// recordTypeEnvelope distinguishes the one wire record shape from future
// extensions without breaking older decoders — the `type` byte of §6's
// wire format.
const recordTypeEnvelope byte = 1

// encodeRecord serializes env per §6's wire format:
// {type: byte, hlc: 12 bytes, source_node: utf8, payload: <serialized>}.
// The spec names CBOR for payload; no corpus repo demonstrates a CBOR
// library (see DESIGN.md), so payload is JSON — the same encoding the
// teacher's own internal/adapter/pubsub/dispatcher.go uses to marshal
// events before handing them to a watermill Publisher.
func encodeRecord(sourceNode string, env *event.Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cluster: marshal envelope: %w", err)
	}

	buf := make([]byte, 0, 1+12+2+len(sourceNode)+4+len(payload))
	buf = append(buf, recordTypeEnvelope)

	var hlcBytes [12]byte
	binary.BigEndian.PutUint64(hlcBytes[0:8], uint64(env.HLC.Physical))
	binary.BigEndian.PutUint32(hlcBytes[8:12], env.HLC.Logical)
	buf = append(buf, hlcBytes[:]...)

	nodeLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nodeLen, uint16(len(sourceNode)))
	buf = append(buf, nodeLen...)
	buf = append(buf, sourceNode...)

	payloadLen := make([]byte, 4)
	binary.BigEndian.PutUint32(payloadLen, uint32(len(payload)))
	buf = append(buf, payloadLen...)
	buf = append(buf, payload...)

	return buf, nil
}

// decodeRecord is encodeRecord's inverse, used when replaying an incoming
// peer message back into an *event.Envelope.
func decodeRecord(raw []byte) (sourceNode string, env *event.Envelope, err error) {
	if len(raw) < 1+12+2 {
		return "", nil, fmt.Errorf("cluster: record too short (%d bytes): %w", len(raw), coreerrors.ErrInvalidInput)
	}
	if raw[0] != recordTypeEnvelope {
		return "", nil, fmt.Errorf("cluster: unknown record type %d: %w", raw[0], coreerrors.ErrInvalidInput)
	}
	off := 1

	physical := int64(binary.BigEndian.Uint64(raw[off : off+8]))
	logical := binary.BigEndian.Uint32(raw[off+8 : off+12])
	off += 12

	if len(raw) < off+2 {
		return "", nil, fmt.Errorf("cluster: truncated source_node length: %w", coreerrors.ErrInvalidInput)
	}
	nodeLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) < off+nodeLen+4 {
		return "", nil, fmt.Errorf("cluster: truncated source_node/payload header: %w", coreerrors.ErrInvalidInput)
	}
	sourceNode = string(raw[off : off+nodeLen])
	off += nodeLen

	payloadLen := int(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4
	if len(raw) < off+payloadLen {
		return "", nil, fmt.Errorf("cluster: truncated payload: %w", coreerrors.ErrInvalidInput)
	}

	var decoded event.Envelope
	if err := json.Unmarshal(raw[off:off+payloadLen], &decoded); err != nil {
		return "", nil, fmt.Errorf("cluster: unmarshal envelope: %w", err)
	}
	decoded.HLC = hlc.Timestamp{Physical: physical, Logical: logical, NodeID: sourceNode}
	decoded.Metadata.FromCluster = true
	return sourceNode, &decoded, nil
}
