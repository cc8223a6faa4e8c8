package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/willjackson/claude-code-bridge/internal/bridgeerr"
)

// Serialize encodes an envelope to a single JSON text frame. It fails
// only if the payload contains un-encodable values (spec.md §4.1); it
// never silently drops fields because encoding/json marshals every
// exported field by construction.
func Serialize(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.Protocol, "serialize_failed", fmt.Sprintf("failed to serialize envelope: %v", err), err)
	}
	return data, nil
}

// Deserialize parses and validates a frame, rejecting anything that is
// not valid JSON or does not satisfy the envelope schema.
func Deserialize(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, bridgeerr.New(bridgeerr.Protocol, "parse_error", fmt.Sprintf("invalid frame: %v", err), err).With("bytes", len(data))
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope against the schema: known type, non-empty
// id and source, and a task payload on task_delegate; the payloads of
// other types are not checked. Unknown
// fields in the JSON were already silently dropped by json.Unmarshal, so
// this only rejects structurally invalid envelopes.
func Validate(env *Envelope) error {
	if env.ID == (uuid.UUID{}) {
		return bridgeerr.New(bridgeerr.Protocol, "schema_violation", "envelope missing id", nil)
	}
	if env.Source == "" {
		return bridgeerr.New(bridgeerr.Protocol, "schema_violation", "envelope missing source", nil)
	}
	if !knownTypes[env.Type] {
		return bridgeerr.New(bridgeerr.Protocol, "schema_violation", fmt.Sprintf("unknown message type %q", env.Type), nil).With("type", string(env.Type))
	}
	switch env.Type {
	case TypeTaskDelegate:
		if env.Task == nil {
			return bridgeerr.New(bridgeerr.Protocol, "schema_violation", "task_delegate missing task payload", nil)
		}
	}
	return nil
}
