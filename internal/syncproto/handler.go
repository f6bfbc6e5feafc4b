package syncproto

import (
	"github.com/amaydixit11/mindcache-engine/internal/crdt"
)

// Handler implements §4.2 as a pure transformer: given a peer's
// envelope and a reference to the document, it produces zero or one
// reply envelope and reports the set of changed entry names (for the
// caller's broadcast-excluding-origin logic, §4.3).
//
// Handler holds no connection state of its own — that lives in
// internal/session.Connection — matching §4.2's framing of the
// handler as stateless over the document.
type Handler struct {
	doc *crdt.Document
}

// NewHandler builds a protocol handler bound to doc.
func NewHandler(doc *crdt.Document) *Handler {
	return &Handler{doc: doc}
}

// OpeningStep1 builds the unsolicited Step-1 envelope the handler
// emits on connection open, encoding the document's current state
// vector (§4.2 "On connection open...").
func (h *Handler) OpeningStep1() (Envelope, error) {
	return EncodeStep1(h.doc.StateVector())
}

// Handle processes one inbound envelope from connHandle (the
// connection's origin tag for any resulting transaction) and returns
// a reply envelope (ok=true) or no reply (ok=false), plus the set of
// entry names changed by this envelope, if any.
//
// Per §4.2's failure semantics, a decode error leaves the document
// untouched; the caller must close the connection without merging
// anything.
func (h *Handler) Handle(connHandle string, env Envelope) (reply Envelope, ok bool, changed []string, err error) {
	switch env.Kind {
	case KindStep1:
		p, decErr := decodeStep1(env.Payload)
		if decErr != nil {
			return Envelope{}, false, nil, decErr
		}
		delta := h.doc.DeltaSince(p.StateVector)
		reply, err = EncodeStep2(delta)
		return reply, err == nil, nil, err

	case KindStep2:
		p, decErr := decodeStep2(env.Payload)
		if decErr != nil {
			return Envelope{}, false, nil, decErr
		}
		changed = h.doc.ApplyUpdate(connHandle, p.Delta)
		return Envelope{}, false, changed, nil

	case KindUpdate:
		p, decErr := decodeUpdate(env.Payload)
		if decErr != nil {
			return Envelope{}, false, nil, decErr
		}
		changed = h.doc.ApplyUpdate(connHandle, p.Delta)
		return Envelope{}, false, changed, nil

	default:
		return Envelope{}, false, nil, unknownKindError(env.Kind)
	}
}
