package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jrazmi/stepwise/infrastructure/sqldb"
	"github.com/jrazmi/stepwise/schema/reflector"
)

// Relation is the current definition of a foreign-key field after every
// step has been folded in.
type Relation struct {
	Model          string
	Field          string
	Column         string
	To             string
	ToField        string
	OnDelete       OnDelete
	Null           bool
	RelatedName    string
	LimitChoicesTo RowFilter
	// Step is the step that last defined the relation.
	Step StepID
}

// RelationRegistry answers questions about relations declared by steps.
type RelationRegistry struct {
	fields  map[[2]string]Relation
	reverse map[[2]string]Relation
}

// Relations folds steps in dependency order. A later alteration of the same
// field replaces the earlier definition.
func Relations(steps []Step) (*RelationRegistry, error) {
	ordered, err := Sort(steps)
	if err != nil {
		return nil, err
	}

	reg := &RelationRegistry{
		fields:  map[[2]string]Relation{},
		reverse: map[[2]string]Relation{},
	}
	for _, step := range ordered {
		for _, op := range step.Operations() {
			fk := op.ForeignKey
			rel := Relation{
				Model:          op.Model,
				Field:          op.Field,
				Column:         op.Column(),
				To:             fk.To,
				ToField:        fk.ToField,
				OnDelete:       fk.OnDelete,
				Null:           fk.Null,
				RelatedName:    fk.RelatedName,
				LimitChoicesTo: fk.LimitChoicesTo,
				Step:           step.ID(),
			}
			if prev, ok := reg.fields[[2]string{op.Model, op.Field}]; ok {
				delete(reg.reverse, [2]string{prev.To, prev.reverseName()})
			}
			reg.fields[[2]string{op.Model, op.Field}] = rel
			if rel.RelatedName == "+" {
				continue
			}
			key := [2]string{rel.To, rel.reverseName()}
			if other, ok := reg.reverse[key]; ok && (other.Model != rel.Model || other.Field != rel.Field) {
				return nil, fmt.Errorf("reverse relation %s.%s declared by both %s.%s and %s.%s", key[0], key[1], other.Model, other.Field, rel.Model, rel.Field)
			}
			reg.reverse[key] = rel
		}
	}
	return reg, nil
}

// reverseName defaults to <model>_set like the ORM the descriptors come from.
func (r Relation) reverseName() string {
	if r.RelatedName != "" {
		return r.RelatedName
	}
	return r.Model + "_set"
}

// Lookup returns the relation declared on model.field.
func (reg *RelationRegistry) Lookup(model, field string) (Relation, bool) {
	rel, ok := reg.fields[[2]string{model, field}]
	return rel, ok
}

// Reverse resolves the reverse accessor name on the referenced model, e.g.
// Reverse("part", "builds") is the build.part relation.
func (reg *RelationRegistry) Reverse(model, name string) (Relation, bool) {
	rel, ok := reg.reverse[[2]string{model, name}]
	return rel, ok
}

// All returns every relation sorted by model and field.
func (reg *RelationRegistry) All() []Relation {
	out := make([]Relation, 0, len(reg.fields))
	for _, rel := range reg.fields {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// ChoiceValidator checks that a proposed reference points at an existing row
// that matches the relation's row filter. The filter is enforced here only;
// the database constraint knows nothing about it.
type ChoiceValidator struct {
	q        sqldb.Querier
	dialect  Dialect
	registry *RelationRegistry

	mu  sync.Mutex
	pks map[string]string
}

func NewChoiceValidator(q sqldb.Querier, dialect Dialect, registry *RelationRegistry) *ChoiceValidator {
	return &ChoiceValidator{
		q:        q,
		dialect:  dialect,
		registry: registry,
		pks:      map[string]string{},
	}
}

// Validate returns a *ConstraintViolationError when id names no row of the
// referenced table or a row outside the row filter.
func (v *ChoiceValidator) Validate(ctx context.Context, model, field string, id any) error {
	rel, ok := v.registry.Lookup(model, field)
	if !ok {
		return fmt.Errorf("no relation declared on %s.%s", model, field)
	}

	target, err := v.targetColumn(ctx, rel)
	if err != nil {
		return err
	}

	f := v.dialect.Flavor()
	base := f.Builder().
		Select("COUNT(*)").
		From(f.QuoteIdent(rel.To)).
		Where(sq.Eq{f.QuoteIdent(target): id})

	n, err := sqldb.Count(ctx, v.q, base)
	if err != nil {
		return fmt.Errorf("look up %s %v: %w", rel.To, id, err)
	}
	if n == 0 {
		return &ConstraintViolationError{
			Table:      rel.Model,
			Column:     rel.Column,
			Constraint: "foreign key",
			Reason:     fmt.Sprintf("%s %v does not exist", rel.To, id),
		}
	}

	if len(rel.LimitChoicesTo) == 0 {
		return nil
	}
	filtered := base
	for _, k := range rel.LimitChoicesTo.Keys() {
		filtered = filtered.Where(sq.Eq{f.QuoteIdent(k): rel.LimitChoicesTo[k]})
	}
	n, err = sqldb.Count(ctx, v.q, filtered)
	if err != nil {
		return fmt.Errorf("check %s %v against %s: %w", rel.To, id, rel.LimitChoicesTo, err)
	}
	if n == 0 {
		return &ConstraintViolationError{
			Table:      rel.Model,
			Column:     rel.Column,
			Constraint: "limit_choices_to",
			Reason:     fmt.Sprintf("%s %v does not satisfy %s", rel.To, id, rel.LimitChoicesTo),
		}
	}
	return nil
}

func (v *ChoiceValidator) targetColumn(ctx context.Context, rel Relation) (string, error) {
	if rel.ToField != "" {
		return rel.ToField, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if pk, ok := v.pks[rel.To]; ok {
		return pk, nil
	}

	table, err := reflector.NewReflector(v.dialect.Introspect(v.q)).Table(ctx, v.dialect.SchemaName(), rel.To)
	if errors.Is(err, reflector.ErrTableNotFound) {
		return "", &SchemaConflictError{Table: rel.To, Reason: "referenced table does not exist", Err: err}
	}
	if err != nil {
		return "", fmt.Errorf("introspect %s: %w", rel.To, err)
	}
	if table.PrimaryKey == nil {
		return "", &SchemaConflictError{Table: rel.To, Reason: "referenced table has no primary key"}
	}
	v.pks[rel.To] = table.PrimaryKey.Column
	return table.PrimaryKey.Column, nil
}
