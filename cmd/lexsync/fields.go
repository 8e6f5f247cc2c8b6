package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/tables"
)

// parseFields turns key=value arguments into a field map. Values that parse
// as JSON keep their type ("fee=12.5", "paid=true", "court=null"); anything
// else is a string. key= sets an empty string.
func parseFields(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("bad field %q (want key=value)", a)
		}
		out[k] = parseValue(v)
	}
	return out, nil
}

func parseValue(v string) any {
	if v == "" {
		return ""
	}
	dec := json.NewDecoder(strings.NewReader(v))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err == nil && !dec.More() {
		return x
	}
	return v
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad local id %q", s)
	}
	return id, nil
}

// rowView is the printed shape of a local row.
func rowView(t tables.Table, r localdb.Row) map[string]any {
	v := map[string]any{
		"id":         r.ID,
		"uuid":       r.UUID,
		"data":       r.Data,
		"deleted":    r.Deleted,
		"revision":   r.Revision,
		"updated_at": r.UpdatedAt,
	}
	for _, rel := range t.Relations {
		if p := r.Parents[rel.Column]; p.Valid {
			v[rel.Column] = p.Int64
		} else {
			v[rel.Column] = nil
		}
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
