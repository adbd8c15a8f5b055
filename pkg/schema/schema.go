// Package schema wraps gojsonschema with the helpers the core needs: compiled
// schemas, per-path violations and default merging.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Violation is one failed constraint at a JSON path.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ValidationError lists every violation found in a document.
type ValidationError struct {
	Subject    string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s does not match schema: %s", e.Subject, strings.Join(parts, "; "))
}

// Paths returns the offending paths in report order.
func (e *ValidationError) Paths() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Path
	}
	return out
}

// Schema is a compiled JSON schema that also keeps its decoded form.
type Schema struct {
	raw      json.RawMessage
	doc      map[string]any
	compiled *gojsonschema.Schema
}

// Compile parses and compiles raw.
func Compile(raw []byte) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return &Schema{raw: cp, doc: doc, compiled: compiled}, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(raw []byte) *Schema {
	s, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Load compiles the schema stored at path.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	s, err := Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Raw returns the schema source.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Validate checks a decoded document. The returned error is non-nil only when
// validation itself could not run.
func (s *Schema) Validate(doc any) ([]Violation, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	res, err := s.compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return violations(res), nil
}

// ValidateBytes checks a JSON encoded document.
func (s *Schema) ValidateBytes(raw []byte) ([]Violation, error) {
	res, err := s.compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}
	return violations(res), nil
}

// Check is Validate returning a *ValidationError when the document is invalid.
func (s *Schema) Check(subject string, doc any) error {
	vs, err := s.Validate(doc)
	if err != nil {
		return err
	}
	if len(vs) > 0 {
		return &ValidationError{Subject: subject, Violations: vs}
	}
	return nil
}

func violations(res *gojsonschema.Result) []Violation {
	if res.Valid() {
		return nil
	}
	out := make([]Violation, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		out = append(out, Violation{Path: e.Field(), Message: e.Description()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Required returns the top-level required property names.
func (s *Schema) Required() []string {
	list, _ := s.doc["required"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if name, ok := v.(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// ApplyDefaults returns a copy of args with every missing property that declares a
// default filled in. Nested object properties are merged recursively.
func (s *Schema) ApplyDefaults(args map[string]any) map[string]any {
	return mergeDefaults(s.doc, args)
}

func mergeDefaults(node map[string]any, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	props, _ := node["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		current, present := out[name]
		if !present {
			if def, ok := prop["default"]; ok {
				out[name] = deepCopy(def)
				continue
			}
			if _, nested := prop["properties"]; nested && prop["type"] == "object" {
				if filled := mergeDefaults(prop, nil); len(filled) > 0 {
					out[name] = filled
				}
			}
			continue
		}
		if child, ok := current.(map[string]any); ok {
			out[name] = mergeDefaults(prop, child)
		}
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			cp[k] = deepCopy(val)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = deepCopy(val)
		}
		return cp
	default:
		return v
	}
}
