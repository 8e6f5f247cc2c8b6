// Package tables holds the canonical sync whitelist shared by client and server,
// the parent relations used for foreign-key translation, and the set of
// server-owned payload fields.
package tables

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/lexsync/internal/errs"
)

// Relation describes an integer foreign key column on a child table.
// The payload carries the parent as "<Field>" (a record identifier),
// the local row stores it as "<Column>" (the parent's local integer id).
type Relation struct {
	Column string // local integer column, e.g. "matter_id"
	Field  string // payload field, e.g. "matter_uuid"
	Parent string // parent table, e.g. "matters"
}

// Table is one syncable table.
type Table struct {
	Name      string
	Relations []Relation
}

func rel(parent, stem string) Relation {
	return Relation{Column: stem + "_id", Field: stem + "_uuid", Parent: parent}
}

// registry is ordered parents-first; Ordered relies on that.
var registry = []Table{
	{Name: "users"},
	{Name: "matters"},
	{Name: "custom_tabs"},
	{Name: "statuses", Relations: []Relation{rel("matters", "matter")}},
	{Name: "finance", Relations: []Relation{rel("matters", "matter")}},
	{Name: "payment_plans", Relations: []Relation{rel("finance", "finance")}},
	{Name: "installments", Relations: []Relation{rel("payment_plans", "payment_plan")}},
	{Name: "payment_records", Relations: []Relation{rel("finance", "finance")}},
	{Name: "expenses", Relations: []Relation{rel("matters", "matter")}},
	{Name: "client_cash", Relations: []Relation{rel("matters", "matter")}},
	{Name: "notices", Relations: []Relation{rel("matters", "matter")}},
	{Name: "mediations", Relations: []Relation{rel("matters", "matter")}},
	{Name: "tasks", Relations: []Relation{rel("matters", "matter"), rel("users", "user")}},
	{Name: "permissions", Relations: []Relation{rel("users", "user")}},
	{Name: "assignments", Relations: []Relation{rel("matters", "matter"), rel("users", "user")}},
	{Name: "attachments", Relations: []Relation{rel("matters", "matter")}},
	{Name: "timelines", Relations: []Relation{rel("matters", "matter")}},
}

var byName = func() map[string]Table {
	m := make(map[string]Table, len(registry))
	for _, t := range registry {
		m[t.Name] = t
	}
	return m
}()

// systemFields are owned by the server (or by the local row layout) and never
// travel inside a replicated payload.
var systemFields = map[string]struct{}{
	"id":                {},
	"uuid":              {},
	"firm_id":           {},
	"revision":          {},
	"created_at":        {},
	"updated_at":        {},
	"created_by":        {},
	"updated_by":        {},
	"created_by_device": {},
	"updated_by_device": {},
	"is_deleted":        {},
	"deleted":           {},
}

// Known reports whether name is in the whitelist.
func Known(name string) bool {
	_, ok := byName[name]
	return ok
}

// Lookup returns the table definition or ErrUnknownTable.
func Lookup(name string) (Table, error) {
	t, ok := byName[name]
	if !ok {
		return Table{}, fmt.Errorf("%q: %w", name, errs.ErrUnknownTable)
	}
	return t, nil
}

// Ordered returns all tables with every parent before its children.
func Ordered() []Table {
	out := make([]Table, len(registry))
	copy(out, registry)
	return out
}

// Names returns whitelist names in parents-first order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for _, t := range registry {
		out = append(out, t.Name)
	}
	return out
}

// IsSystemField reports whether a payload key is server-owned.
func IsSystemField(key string) bool {
	_, ok := systemFields[strings.ToLower(key)]
	return ok
}

// StripSystemFields decodes a client payload, drops server-owned keys and
// re-encodes it. Empty input and JSON null yield "{}". Anything but a JSON
// object is ErrMalformedPayload.
func StripSystemFields(raw json.RawMessage) (json.RawMessage, error) {
	obj, err := DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	for k := range obj {
		if IsSystemField(k) {
			delete(obj, k)
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", errs.ErrMalformedPayload)
	}
	return out, nil
}

// DecodeObject parses raw as a JSON object. Empty input and null yield an empty map.
func DecodeObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("payload is not an object: %w", errs.ErrMalformedPayload)
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, errs.ErrMalformedPayload)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after payload: %w", errs.ErrMalformedPayload)
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}
