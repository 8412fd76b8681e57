// Package adapters binds the HAT data endpoints the app uses (notes, survey
// answers, locations, profile, UK-specific info) to the sync engine.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dataswift/hatsync/cache"
	"github.com/dataswift/hatsync/hat"
	"github.com/dataswift/hatsync/resource"
)

// Remote is the part of the HAT client the adapters use
type Remote interface {
	Fetch(ctx context.Context, namespace, endpoint string, q map[string]string) ([]hat.Record, error)
	Create(ctx context.Context, namespace, endpoint string, data json.RawMessage) (hat.Record, error)
	Update(ctx context.Context, recs ...hat.Record) ([]hat.Record, error)
	Delete(ctx context.Context, recordIDs ...string) error
}

var _ Remote = (*hat.Client)(nil)

// endpoint is the shared implementation of resource.Adapter for one HAT
// data endpoint. Resource types customise it through the hooks.
type endpoint struct {
	remote    Remote
	typ       string
	namespace string
	name      string
	ttl       time.Duration
	query     map[string]string

	// beforeSend normalises data right before it is sent
	beforeSend func(data json.RawMessage) (json.RawMessage, error)
	// keep filters fetched records against the read parameters
	keep func(params map[string]string, rec hat.Record) bool
}

func (e *endpoint) Type() string       { return e.typ }
func (e *endpoint) TTL() time.Duration { return e.ttl }

func (e *endpoint) KeyFor(params map[string]string) string {
	return cache.KeyFor(e.typ, params)
}

// Endpoint returns the HAT endpoint path, "namespace/name"
func (e *endpoint) Endpoint() string { return e.namespace + "/" + e.name }

func (e *endpoint) Fetch(ctx context.Context, params map[string]string) ([]resource.Record, error) {
	recs, err := e.remote.Fetch(ctx, e.namespace, e.name, e.query)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Record, 0, len(recs))
	for _, r := range recs {
		if e.keep != nil && !e.keep(params, r) {
			continue
		}
		// records first seen on the server are referenced by their remote id
		out = append(out, resource.Record{LocalRef: r.RecordID, RemoteID: r.RecordID, Data: r.Data})
	}
	return out, nil
}

func (e *endpoint) Create(ctx context.Context, rec resource.Record) (resource.Record, error) {
	data, err := e.prepare(rec.Data)
	if err != nil {
		return rec, err
	}
	created, err := e.remote.Create(ctx, e.namespace, e.name, data)
	if err != nil {
		return rec, err
	}
	return resource.Record{LocalRef: rec.LocalRef, RemoteID: created.RecordID, Data: created.Data}, nil
}

func (e *endpoint) Update(ctx context.Context, rec resource.Record) (resource.Record, error) {
	if rec.RemoteID == "" {
		return rec, fmt.Errorf("update %s %s: %w", e.typ, rec.LocalRef, resource.ErrNoRemoteID)
	}
	data, err := e.prepare(rec.Data)
	if err != nil {
		return rec, err
	}
	updated, err := e.remote.Update(ctx, hat.Record{Endpoint: e.Endpoint(), RecordID: rec.RemoteID, Data: data})
	if err != nil {
		return rec, err
	}
	if len(updated) == 0 {
		return resource.Record{LocalRef: rec.LocalRef, RemoteID: rec.RemoteID, Data: data}, nil
	}
	return resource.Record{LocalRef: rec.LocalRef, RemoteID: updated[0].RecordID, Data: updated[0].Data}, nil
}

func (e *endpoint) Delete(ctx context.Context, rec resource.Record) error {
	if rec.RemoteID == "" {
		return fmt.Errorf("delete %s %s: %w", e.typ, rec.LocalRef, resource.ErrNoRemoteID)
	}
	return e.remote.Delete(ctx, rec.RemoteID)
}

// MigratePayload upgrades version 1 payloads, which stored the whole HAT
// record ({"id", "endpoint", "data"}) instead of just its data.
func (e *endpoint) MigratePayload(version int, data json.RawMessage) (json.RawMessage, error) {
	if version != 1 {
		return data, nil
	}
	var legacy struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("migrate %s payload: %w", e.typ, err)
	}
	if len(legacy.Data) == 0 {
		return data, nil
	}
	return legacy.Data, nil
}

func (e *endpoint) prepare(data json.RawMessage) (json.RawMessage, error) {
	if e.beforeSend == nil {
		return data, nil
	}
	out, err := e.beforeSend(data)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", e.typ, err)
	}
	return out, nil
}

// singleton is embedded by resource types with one logical record per user
type singleton struct{ ref string }

func (s singleton) SingletonRef() string { return s.ref }

// Register adds every HAT-backed adapter to reg
func Register(reg *resource.Registry, remote Remote, domain string, now func() time.Time) {
	reg.Register(NewNotes(remote, domain, now))
	reg.Register(NewSurvey(remote, now))
	reg.Register(NewLocations(remote))
	reg.Register(NewProfile(remote))
	reg.Register(NewUKSpecificInfo(remote))
}
