// Package queue implements the durable, ordered log of local writes waiting
// to be replayed against the remote service.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind is the type of a queued write.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// State tracks a mutation through a reconcile pass.
type State string

const (
	StateQueued    State = "queued"
	StateReplaying State = "replaying"
)

// EnvelopeVersion is the payload schema version written by this build.
// Version 1 stored the snapshot wrapped in a one-element array.
const EnvelopeVersion = 2

// ErrCorruptPayload is returned when a queued payload cannot be decoded.
// Such a mutation can never succeed and is dropped by the reconciler.
var ErrCorruptPayload = errors.New("corrupt mutation payload")

// Attachment references a local binary that must be uploaded before replay.
type Attachment struct {
	BlobKey string   `json:"blobKey"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags,omitempty"`
}

// Envelope is the versioned, tagged payload stored for each mutation.
type Envelope struct {
	Version    int             `json:"v"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
}

// Mutation is one pending create, update or delete.
type Mutation struct {
	ID           string
	Seq          int64
	Kind         Kind
	ResourceType string
	LocalRef     string
	// RemoteID is the server identifier the mutation targets, empty until known
	RemoteID   string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	State      State
	Attempts   int
	LastError  string
}

// New builds a mutation with an encoded envelope. ID, Seq and EnqueuedAt are
// assigned on enqueue.
func New(kind Kind, resourceType, localRef, remoteID string, data json.RawMessage, att *Attachment) (*Mutation, error) {
	env := Envelope{Version: EnvelopeVersion, Type: resourceType, Data: data, Attachment: att}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", resourceType, err)
	}
	return &Mutation{
		Kind:         kind,
		ResourceType: resourceType,
		LocalRef:     localRef,
		RemoteID:     remoteID,
		Payload:      payload,
		State:        StateQueued,
	}, nil
}

// Envelope decodes the mutation payload, upgrading older schema versions.
func (m *Mutation) Envelope() (Envelope, error) {
	return DecodeEnvelope(m.Payload, m.ResourceType)
}

// DecodeEnvelope validates and decodes raw for resourceType. Version 1 data is
// unwrapped but Version is left at 1 so resource migrations can still run.
func DecodeEnvelope(raw json.RawMessage, resourceType string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if env.Type != resourceType {
		return env, fmt.Errorf("%w: tagged %q, queued as %q", ErrCorruptPayload, env.Type, resourceType)
	}

	switch {
	case env.Version == 1:
		var wrapped []json.RawMessage
		if err := json.Unmarshal(env.Data, &wrapped); err != nil || len(wrapped) != 1 {
			return env, fmt.Errorf("%w: version 1 data is not a single-element array", ErrCorruptPayload)
		}
		env.Data = wrapped[0]
	case env.Version < 1 || env.Version > EnvelopeVersion:
		return env, fmt.Errorf("%w: unsupported version %d", ErrCorruptPayload, env.Version)
	}
	return env, nil
}

// encode re-serializes env at the current version.
func encode(env Envelope) (json.RawMessage, error) {
	env.Version = EnvelopeVersion
	return json.Marshal(env)
}

// fieldSet returns the top-level keys of a JSON object payload.
func fieldSet(data json.RawMessage) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// supersedes reports whether a payload with fields next fully overwrites one
// with fields prev.
func supersedes(next, prev []string) bool {
	if next == nil || prev == nil {
		// non-object payloads are replaced wholesale
		return true
	}
	have := make(map[string]bool, len(next))
	for _, k := range next {
		have[k] = true
	}
	for _, k := range prev {
		if !have[k] {
			return false
		}
	}
	return true
}
