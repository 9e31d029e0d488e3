// Package fieldmap translates attendance records between the internal shape
// and an ERP's wire shape.
package fieldmap

import (
	"fmt"
	"strings"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

// Record is a loosely typed attendance document.
type Record map[string]any

// Kind selects how a field is translated.
type Kind int

const (
	// KindScalar renames a single key.
	KindScalar Kind = iota
	// KindSplit splits one internal string into several external keys.
	KindSplit
)

// partSeparator joins the external parts of a split field in table
// declarations, e.g. "first_name+last_name".
const partSeparator = "+"

// Field is one row of a mapping table.
type Field struct {
	Internal string
	External string
	Kind     Kind
}

// Scalar declares a renamed field.
func Scalar(internal, external string) Field {
	return Field{Internal: internal, External: external, Kind: KindScalar}
}

// Split declares a composite field whose value is split on a single space.
func Split(internal string, externals ...string) Field {
	return Field{Internal: internal, External: strings.Join(externals, partSeparator), Kind: KindSplit}
}

// Parts returns the external keys of the field.
func (f Field) Parts() []string {
	if f.Kind != KindSplit {
		return []string{f.External}
	}
	return strings.Split(f.External, partSeparator)
}

// Table is an ordered, validated bidirectional mapping.
type Table struct {
	fields []Field
}

// NewTable validates fields and builds a table.
func NewTable(fields ...Field) (*Table, error) {
	internal := make(map[string]struct{}, len(fields))
	external := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if f.Internal == "" || f.External == "" {
			return nil, fmt.Errorf("fieldmap: field %d: empty name: %w", i, shared.ErrConfiguration)
		}
		if _, dup := internal[f.Internal]; dup {
			return nil, fmt.Errorf("fieldmap: duplicate internal field %q: %w", f.Internal, shared.ErrConfiguration)
		}
		internal[f.Internal] = struct{}{}
		parts := f.Parts()
		if f.Kind == KindSplit && len(parts) < 2 {
			return nil, fmt.Errorf("fieldmap: split field %q needs at least two parts: %w", f.Internal, shared.ErrConfiguration)
		}
		for _, p := range parts {
			if p == "" {
				return nil, fmt.Errorf("fieldmap: field %q has an empty part: %w", f.Internal, shared.ErrConfiguration)
			}
			if _, dup := external[p]; dup {
				return nil, fmt.Errorf("fieldmap: duplicate external field %q: %w", p, shared.ErrConfiguration)
			}
			external[p] = struct{}{}
		}
	}
	return &Table{fields: append([]Field(nil), fields...)}, nil
}

// MustTable is NewTable for package level tables.
func MustTable(fields ...Field) *Table {
	t, err := NewTable(fields...)
	if err != nil {
		panic(err)
	}
	return t
}

// Fields returns a copy of the table rows.
func (t *Table) Fields() []Field {
	return append([]Field(nil), t.fields...)
}

// ExternalName returns the wire key of an internal scalar field.
func (t *Table) ExternalName(internal string) (string, bool) {
	for _, f := range t.fields {
		if f.Internal == internal && f.Kind == KindScalar {
			return f.External, true
		}
	}
	return "", false
}

// ToExternal renames mapped fields to their wire names. Unmapped fields pass
// through; when keep is given only those keys survive. rec is not modified.
func (t *Table) ToExternal(rec Record, keep ...string) Record {
	out := make(Record, len(rec))
	mapped := make(Record, len(t.fields))
	consumed := make(map[string]struct{}, len(t.fields))
	for _, f := range t.fields {
		v, ok := rec[f.Internal]
		if !ok {
			continue
		}
		consumed[f.Internal] = struct{}{}
		if f.Kind == KindScalar {
			mapped[f.External] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		parts := f.Parts()
		words := strings.Split(strings.TrimSpace(s), " ")
		if len(words) != len(parts) {
			continue
		}
		for i, p := range parts {
			mapped[p] = words[i]
		}
	}
	for k, v := range rec {
		if _, ok := consumed[k]; !ok {
			out[k] = v
		}
	}
	for k, v := range mapped {
		out[k] = v
	}
	return filter(out, keep)
}

// ToInternal is the inverse of ToExternal. Split fields are joined only when
// every part is a non-empty string; otherwise the parts pass through as-is.
func (t *Table) ToInternal(rec Record, keep ...string) Record {
	out := make(Record, len(rec))
	mapped := make(Record, len(t.fields))
	consumed := make(map[string]struct{}, len(t.fields))
	for _, f := range t.fields {
		if f.Kind == KindScalar {
			if v, ok := rec[f.External]; ok {
				consumed[f.External] = struct{}{}
				mapped[f.Internal] = v
			}
			continue
		}
		parts := f.Parts()
		words := make([]string, 0, len(parts))
		for _, p := range parts {
			s, ok := rec[p].(string)
			if !ok || s == "" {
				break
			}
			words = append(words, s)
		}
		if len(words) != len(parts) {
			continue
		}
		for _, p := range parts {
			consumed[p] = struct{}{}
		}
		mapped[f.Internal] = strings.Join(words, " ")
	}
	for k, v := range rec {
		if _, ok := consumed[k]; !ok {
			out[k] = v
		}
	}
	for k, v := range mapped {
		out[k] = v
	}
	return filter(out, keep)
}

func filter(rec Record, keep []string) Record {
	if len(keep) == 0 {
		return rec
	}
	out := make(Record, len(keep))
	for _, k := range keep {
		if v, ok := rec[k]; ok {
			out[k] = v
		}
	}
	return out
}
