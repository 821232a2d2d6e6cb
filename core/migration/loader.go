package migration

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jrazmi/stepwise/sdk/validation"
	"gopkg.in/yaml.v3"
)

// OpAlterField is the only operation type descriptors may use.
const OpAlterField = "alter_field"

var stepNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type descriptor struct {
	App          string                `yaml:"app"`
	Name         string                `yaml:"name"`
	Dependencies []StepID              `yaml:"dependencies"`
	Operations   []operationDescriptor `yaml:"operations"`
}

type operationDescriptor struct {
	Type       string                `yaml:"type"`
	Model      string                `yaml:"model"`
	Field      string                `yaml:"field"`
	DBColumn   string                `yaml:"db_column"`
	ForeignKey *foreignKeyDescriptor `yaml:"foreign_key"`
}

type foreignKeyDescriptor struct {
	To             string         `yaml:"to"`
	ToField        string         `yaml:"to_field"`
	OnDelete       string         `yaml:"on_delete"`
	RelatedName    string         `yaml:"related_name"`
	Null           bool           `yaml:"null"`
	LimitChoicesTo map[string]any `yaml:"limit_choices_to"`
}

var foreignKeyFields = map[string]bool{
	"to": true, "to_field": true, "on_delete": true,
	"related_name": true, "null": true, "limit_choices_to": true,
}

// UnmarshalYAML reads the plain `null` key as a field name. YAML resolves it
// to the null scalar, which the struct decoder would otherwise drop.
func (fk *foreignKeyDescriptor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: foreign_key must be a mapping", node.Line)
	}

	mapping := *node
	mapping.Content = make([]*yaml.Node, len(node.Content))
	for i, n := range node.Content {
		if i%2 == 0 {
			key := *n
			if key.Kind == yaml.ScalarNode && key.ShortTag() == "!!null" && key.Value == "null" {
				key.Tag = "!!str"
			}
			if !foreignKeyFields[key.Value] {
				return fmt.Errorf("line %d: field %s not found in foreign_key", key.Line, key.Value)
			}
			n = &key
		}
		mapping.Content[i] = n
	}

	type plain foreignKeyDescriptor
	var out plain
	if err := mapping.Decode(&out); err != nil {
		return err
	}
	*fk = foreignKeyDescriptor(out)
	return nil
}

// Load reads every .yaml/.yml descriptor under root. Descriptors live at
// <root>/<app>/<name>.yaml; app and name default to the path segments.
// All problems across all files are reported together.
func Load(fsys fs.FS, root string) ([]Step, error) {
	var (
		steps  []Step
		result *multierror.Error
		seen   = map[StepID]string{}
	)

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !(strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml")) {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}

		step, err := Parse(p, data)
		if err != nil {
			result = multierror.Append(result, err)
			return nil
		}
		if prev, dup := seen[step.ID()]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: step %s already declared in %s", p, step.ID(), prev))
			return nil
		}
		seen[step.ID()] = p
		steps = append(steps, step)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk descriptors: %w", err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].ID().less(steps[j].ID()) })
	return steps, nil
}

// Parse decodes one descriptor. p is used for defaults and error messages.
func Parse(p string, data []byte) (Step, error) {
	var d descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return Step{}, fmt.Errorf("%s: decode: %w", p, err)
	}

	dir, file := path.Split(p)
	pathName := strings.TrimSuffix(strings.TrimSuffix(file, ".yaml"), ".yml")
	pathApp := path.Base(strings.TrimSuffix(dir, "/"))
	if d.Name == "" {
		d.Name = pathName
	}
	if d.App == "" {
		d.App = pathApp
	}

	step, err := d.build()
	if err != nil {
		return Step{}, fmt.Errorf("%s: %w", p, err)
	}
	sum := sha256.Sum256(data)
	step.checksum = fmt.Sprintf("%x", sum)
	step.source = p
	return step, nil
}

func (d descriptor) build() (Step, error) {
	var result *multierror.Error

	id := StepID{App: d.App, Name: d.Name}
	if err := validation.Identifier("app", id.App); err != nil {
		result = multierror.Append(result, err)
	}
	if !stepNamePattern.MatchString(id.Name) {
		result = multierror.Append(result, fmt.Errorf("name %q must be letters, digits and underscores", id.Name))
	}

	for _, dep := range d.Dependencies {
		if dep == id {
			result = multierror.Append(result, errors.New("step depends on itself"))
			continue
		}
		if !validation.IsIdentifier(dep.App) || !stepNamePattern.MatchString(dep.Name) {
			result = multierror.Append(result, fmt.Errorf("invalid dependency %q", dep))
		}
	}

	if len(d.Operations) == 0 {
		result = multierror.Append(result, errors.New("no operations"))
	}

	ops := make([]AlterField, 0, len(d.Operations))
	for i, od := range d.Operations {
		op, err := od.build()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("operation %d: %w", i, err))
			continue
		}
		ops = append(ops, op)
	}

	if err := result.ErrorOrNil(); err != nil {
		return Step{}, err
	}
	return NewStep(id, d.Dependencies, ops, ""), nil
}

func (od operationDescriptor) build() (AlterField, error) {
	var result *multierror.Error

	if od.Type != OpAlterField {
		return AlterField{}, fmt.Errorf("unsupported operation type %q", od.Type)
	}
	if err := validation.Identifier("model", od.Model); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validation.Identifier("field", od.Field); err != nil {
		result = multierror.Append(result, err)
	}
	if od.DBColumn != "" {
		if err := validation.Identifier("db_column", od.DBColumn); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if od.ForeignKey == nil {
		result = multierror.Append(result, errors.New("foreign_key is required"))
		return AlterField{}, result.ErrorOrNil()
	}

	fkd := od.ForeignKey
	fk := ForeignKey{
		To:          fkd.To,
		ToField:     fkd.ToField,
		RelatedName: fkd.RelatedName,
		Null:        fkd.Null,
	}
	if err := validation.Identifier("foreign_key.to", fkd.To); err != nil {
		result = multierror.Append(result, err)
	}
	if fkd.ToField != "" {
		if err := validation.Identifier("foreign_key.to_field", fkd.ToField); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// "+" disables the reverse relation.
	if fkd.RelatedName != "" && fkd.RelatedName != "+" {
		if err := validation.Identifier("foreign_key.related_name", fkd.RelatedName); err != nil {
			result = multierror.Append(result, err)
		}
	}

	onDelete, err := ParseOnDelete(fkd.OnDelete)
	if err != nil {
		result = multierror.Append(result, err)
	}
	fk.OnDelete = onDelete
	if onDelete == SetNull && !fkd.Null {
		result = multierror.Append(result, errors.New("on_delete SET_NULL requires null: true"))
	}

	if len(fkd.LimitChoicesTo) > 0 {
		fk.LimitChoicesTo = make(RowFilter, len(fkd.LimitChoicesTo))
		for k, v := range fkd.LimitChoicesTo {
			if err := validation.Identifier("limit_choices_to key", k); err != nil {
				result = multierror.Append(result, err)
				continue
			}
			switch v.(type) {
			case bool, int, int64, float64, string:
				fk.LimitChoicesTo[k] = v
			default:
				result = multierror.Append(result, fmt.Errorf("limit_choices_to %s: unsupported value %v (%T)", k, v, v))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return AlterField{}, err
	}
	return AlterField{
		Model:      od.Model,
		Field:      od.Field,
		DBColumn:   od.DBColumn,
		ForeignKey: fk,
	}, nil
}
