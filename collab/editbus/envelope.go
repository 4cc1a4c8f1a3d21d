package editbus

import (
	"encoding/json"
	"fmt"

	"collabsync/collab/editop"
)

// Envelope kinds.
const (
	KindOperation   = "operation"
	KindClose       = "close"
	KindRollupAbort = "rollupAbort"

	// kindLegacyRollup is the older name of KindRollupAbort, still accepted on receipt.
	kindLegacyRollup = "rollup"
)

// envelope is the bus-internal message wrapping every publication.
type envelope struct {
	Kind      string          `json:"kind"`
	Node      string          `json:"node"`
	Document  string          `json:"document"`
	Token     string          `json:"token,omitempty"`
	Operation json.RawMessage `json:"operation,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("malformed bus envelope: %w", err)
	}
	if env.Kind == kindLegacyRollup {
		env.Kind = KindRollupAbort
	}
	switch env.Kind {
	case KindOperation, KindClose, KindRollupAbort:
	default:
		return env, fmt.Errorf("unknown bus envelope kind %q", env.Kind)
	}
	return env, nil
}

func operationEnvelope(node, documentID string, op editop.Operation) ([]byte, error) {
	data, err := editop.Encode(op)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(envelope{Kind: KindOperation, Node: node, Document: documentID, Operation: data})
}
