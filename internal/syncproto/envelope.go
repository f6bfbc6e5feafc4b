// Package syncproto implements the Sync Protocol Handler (§4.2) and
// the streaming transport (§6): length-prefixed binary envelopes
// carrying CRDT handshake/update payloads, plus a legacy JSON
// control-frame fallback.
//
// Envelope framing is grounded on the teacher's internal/sync/p2p.go
// writeMessage/readMessage (4-byte big-endian length prefix, 10MB
// guard, io.ReadFull) and its Message/MessageType shape in
// internal/sync/sync.go — re-targeted from the teacher's
// MsgStateHash/MsgStateRequest/MsgState (full-state hash comparison
// over a libp2p stream) to this spec's Step1/Step2/Update kinds (a
// state-vector handshake over a single websocket connection, §4.2).
package syncproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/amaydixit11/mindcache-engine/internal/crdt"
	"github.com/amaydixit11/mindcache-engine/internal/enginerr"
)

// Kind identifies the envelope's payload shape (§4.2 "Envelope kinds").
type Kind uint8

const (
	// KindStep1 carries a sender's state vector (a single uint64 for
	// this engine's one-document-per-instance model, §4.1).
	KindStep1 Kind = 1
	// KindStep2 carries every update the Step-1 sender lacks.
	KindStep2 Kind = 2
	// KindUpdate carries one incremental delta.
	KindUpdate Kind = 3
)

// maxEnvelopeSize matches the teacher's 10MB guard on inbound frames.
const maxEnvelopeSize = 10 * 1024 * 1024

// Envelope is one length-prefixed binary frame on the streaming
// channel (§6 "Binary framing").
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Step1Payload is the JSON body of a KindStep1 envelope.
type Step1Payload struct {
	StateVector uint64 `json:"stateVector"`
}

// Step2Payload is the JSON body of a KindStep2 envelope.
type Step2Payload struct {
	Delta crdt.DocumentDelta `json:"delta"`
}

// UpdatePayload is the JSON body of a KindUpdate envelope.
type UpdatePayload struct {
	Delta crdt.DocumentDelta `json:"delta"`
}

// EncodeStep1 builds a Step-1 envelope announcing sv.
func EncodeStep1(sv uint64) (Envelope, error) {
	body, err := json.Marshal(Step1Payload{StateVector: sv})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindStep1, Payload: body}, nil
}

// EncodeStep2 builds a Step-2 envelope carrying delta.
func EncodeStep2(delta crdt.DocumentDelta) (Envelope, error) {
	body, err := json.Marshal(Step2Payload{Delta: delta})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindStep2, Payload: body}, nil
}

// EncodeUpdate builds an Update envelope carrying delta.
func EncodeUpdate(delta crdt.DocumentDelta) (Envelope, error) {
	body, err := json.Marshal(UpdatePayload{Delta: delta})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindUpdate, Payload: body}, nil
}

// WriteEnvelope writes env to w as a length-prefixed binary frame:
// [4-byte big-endian total length][1-byte kind][payload].
func WriteEnvelope(w io.Writer, env Envelope) error {
	total := uint32(1 + len(env.Payload))
	if err := binary.Write(w, binary.BigEndian, total); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(env.Kind)}); err != nil {
		return err
	}
	_, err := w.Write(env.Payload)
	return err
}

// ReadEnvelope reads one length-prefixed binary frame from r.
// Malformed or oversized frames return enginerr.Protocol; callers
// must close the connection without touching the document, per §4.2
// "Failure semantics".
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return Envelope{}, err
	}
	if length == 0 {
		return Envelope{}, enginerr.Protocol{Reason: "empty envelope"}
	}
	if length > maxEnvelopeSize {
		return Envelope{}, enginerr.Protocol{Reason: fmt.Sprintf("envelope too large: %d bytes", length)}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, err
	}

	kind := Kind(data[0])
	switch kind {
	case KindStep1, KindStep2, KindUpdate:
	default:
		return Envelope{}, enginerr.Protocol{Reason: fmt.Sprintf("unknown envelope kind %d", data[0])}
	}
	return Envelope{Kind: kind, Payload: data[1:]}, nil
}

func decodeStep1(payload []byte) (Step1Payload, error) {
	var p Step1Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Step1Payload{}, enginerr.Protocol{Reason: "malformed step-1 payload: " + err.Error()}
	}
	return p, nil
}

func decodeStep2(payload []byte) (Step2Payload, error) {
	var p Step2Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Step2Payload{}, enginerr.Protocol{Reason: "malformed step-2 payload: " + err.Error()}
	}
	return p, nil
}

func decodeUpdate(payload []byte) (UpdatePayload, error) {
	var p UpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return UpdatePayload{}, enginerr.Protocol{Reason: "malformed update payload: " + err.Error()}
	}
	return p, nil
}

func unknownKindError(k Kind) error {
	return enginerr.Protocol{Reason: fmt.Sprintf("unknown envelope kind %d", k)}
}
