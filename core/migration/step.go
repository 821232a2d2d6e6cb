// Package migration models declarative schema alteration steps and applies
// them, in dependency order, to a database through a Dialect.
//
// A Step is data: an identifier, the steps it depends on and a list of
// operations. Steps are loaded from descriptor files, never mutated, and
// applied at most once per database. The applied-steps ledger records which
// steps a database has seen.
package migration

import (
	"fmt"
	"sort"
	"strings"
)

// StepID identifies a step within an app, e.g. build.0010_auto_20190505_2233.
type StepID struct {
	App  string `yaml:"app" json:"app"`
	Name string `yaml:"name" json:"name"`
}

func (id StepID) String() string {
	return id.App + "." + id.Name
}

// ParseStepID parses "app.name".
func ParseStepID(s string) (StepID, error) {
	app, name, ok := strings.Cut(s, ".")
	if !ok || app == "" || name == "" {
		return StepID{}, fmt.Errorf("step id %q: want app.name", s)
	}
	return StepID{App: app, Name: name}, nil
}

func (id StepID) less(other StepID) bool {
	if id.App != other.App {
		return id.App < other.App
	}
	return id.Name < other.Name
}

// OnDelete is the referential action taken when a referenced row is deleted.
// Values match the normalized rules reported by schema reflection.
type OnDelete string

const (
	Cascade  OnDelete = "CASCADE"
	Restrict OnDelete = "RESTRICT"
	SetNull  OnDelete = "SET_NULL"
	NoAction OnDelete = "NO_ACTION"
)

// ParseOnDelete accepts the SQL spellings and the ORM names PROTECT,
// SET_NULL and DO_NOTHING.
func ParseOnDelete(s string) (OnDelete, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")) {
	case "CASCADE":
		return Cascade, nil
	case "RESTRICT", "PROTECT":
		return Restrict, nil
	case "SET_NULL":
		return SetNull, nil
	case "NO_ACTION", "DO_NOTHING":
		return NoAction, nil
	}
	return "", fmt.Errorf("unknown on_delete %q", s)
}

// SQL renders the action as it appears after ON DELETE.
func (o OnDelete) SQL() string {
	return strings.ReplaceAll(string(o), "_", " ")
}

// RowFilter restricts which referenced rows are acceptable targets. Every
// key/value pair must match. It is metadata for the application layer and is
// never turned into a database constraint.
type RowFilter map[string]any

// Keys returns the filter columns in sorted order.
func (f RowFilter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f RowFilter) String() string {
	parts := make([]string, 0, len(f))
	for _, k := range f.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f[k]))
	}
	return strings.Join(parts, " AND ")
}

func (f RowFilter) clone() RowFilter {
	if f == nil {
		return nil
	}
	out := make(RowFilter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ForeignKey describes the new definition of a foreign-key column.
type ForeignKey struct {
	// To is the referenced table.
	To string
	// ToField is the referenced column; empty means the primary key.
	ToField        string
	OnDelete       OnDelete
	RelatedName    string
	Null           bool
	LimitChoicesTo RowFilter
}

// AlterField changes Model.Field into the given foreign key.
type AlterField struct {
	Model string
	Field string
	// DBColumn overrides the column name, which defaults to Field.
	DBColumn   string
	ForeignKey ForeignKey
}

// Column returns the database column the operation alters.
func (a AlterField) Column() string {
	if a.DBColumn != "" {
		return a.DBColumn
	}
	return a.Field
}

// Describe returns a one-line human summary.
func (a AlterField) Describe() string {
	fk := a.ForeignKey
	s := fmt.Sprintf("Alter field %s on %s: foreign key to %s, on delete %s", a.Field, a.Model, fk.To, fk.OnDelete.SQL())
	if !fk.Null {
		s += ", not null"
	}
	if fk.RelatedName != "" {
		s += ", related name " + fk.RelatedName
	}
	if len(fk.LimitChoicesTo) > 0 {
		s += ", limit choices to " + fk.LimitChoicesTo.String()
	}
	return s
}

// Step is one immutable migration. Build steps with Load; the accessors hand
// out copies so a loaded step cannot be changed by callers.
type Step struct {
	id         StepID
	deps       []StepID
	operations []AlterField
	checksum   string
	source     string
}

// NewStep builds a step from already validated parts. It is used by Load and
// by tests that declare steps in code.
func NewStep(id StepID, deps []StepID, ops []AlterField, checksum string) Step {
	s := Step{
		id:       id,
		deps:     append([]StepID(nil), deps...),
		checksum: checksum,
	}
	for _, op := range ops {
		op.ForeignKey.LimitChoicesTo = op.ForeignKey.LimitChoicesTo.clone()
		s.operations = append(s.operations, op)
	}
	return s
}

func (s Step) ID() StepID { return s.id }

func (s Step) Checksum() string { return s.checksum }

// Source is the descriptor path the step was loaded from, if any.
func (s Step) Source() string { return s.source }

func (s Step) Dependencies() []StepID {
	return append([]StepID(nil), s.deps...)
}

func (s Step) Operations() []AlterField {
	out := make([]AlterField, len(s.operations))
	for i, op := range s.operations {
		op.ForeignKey.LimitChoicesTo = op.ForeignKey.LimitChoicesTo.clone()
		out[i] = op
	}
	return out
}

func (s Step) String() string {
	return s.id.String()
}
