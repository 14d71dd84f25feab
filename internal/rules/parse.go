package rules

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"revline/internal/domain"
)

// Supported document formats.
const (
	FormatYAML  = "yaml"
	FormatJSON  = "json"
	FormatJSONC = "jsonc"
)

// SupportedVersions is the rule document version range this build understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const schemaURL = "https://revline.local/schemas/ruleset.schema.json"

//go:embed ruleset.schema.json
var schemaJSON string

//go:embed default.yaml
var defaultDocument []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidationError lists every problem found in a rule document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rule set: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// FormatFromPath picks a document format from a file extension, defaulting to YAML.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// DefaultDocument returns the built-in rule document in YAML form.
func DefaultDocument() []byte {
	return bytes.Clone(defaultDocument)
}

// Default parses the built-in rule document.
func Default() (*RuleSet, error) {
	rs, err := Parse(defaultDocument, FormatYAML)
	if err != nil {
		return nil, err
	}
	rs.Origin = "builtin"
	return rs, nil
}

// Parse decodes a rule document, validates it against the embedded schema and
// the supported version range, and compiles its expressions.
func Parse(data []byte, format string) (*RuleSet, error) {
	raw, err := ToJSON(data, format)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &ValidationError{Problems: schemaProblems(err)}
	}
	var rs RuleSet
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	if rs.Name == "" {
		rs.Name = "default"
	}
	if rs.Digest, err = Digest(raw); err != nil {
		return nil, err
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ToJSON normalizes a YAML, JSON or JSONC document to plain JSON bytes.
func ToJSON(data []byte, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return data, nil
	case FormatJSONC:
		return jsonc.ToJSON(data), nil
	case FormatYAML, "":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if v == nil {
			return nil, errors.New("empty document")
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// Digest hashes the RFC 8785 canonical form of a JSON document so equivalent
// documents in any format share one digest.
func Digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize rule set: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load rule set schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

func schemaProblems(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func (rs *RuleSet) compile() error {
	verr := &ValidationError{}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(rs.Version)
	if err != nil {
		verr.add("version %q: %v", rs.Version, err)
	} else if !constraint.Check(v) {
		verr.add("version %s is outside supported range %s", rs.Version, SupportedVersions)
	}

	renv, err := routingEnv()
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for i := range rs.RoutingRules {
		r := &rs.RoutingRules[i]
		if seen[r.Name] {
			verr.add("routing rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		w := r.When
		if w.AmountMin != nil && w.AmountMax != nil && *w.AmountMax <= *w.AmountMin {
			verr.add("routing rule %q: amount_max must be greater than amount_min", r.Name)
		}
		if w.Expr != "" {
			if r.prg, err = compileExpr(renv, w.Expr); err != nil {
				verr.add("routing rule %q: expr: %v", r.Name, err)
			}
		}
	}

	cenv, err := collisionEnv()
	if err != nil {
		return err
	}
	seen = map[string]bool{}
	for i := range rs.CollisionRules {
		r := &rs.CollisionRules[i]
		if seen[r.Name] {
			verr.add("collision rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if r.When.Existing == domain.KindProposal && (len(r.When.ExistingTypes) > 0 || r.When.SameType) {
			verr.add("collision rule %q: proposals carry no type", r.Name)
		}
		if r.When.Expr != "" {
			if r.prg, err = compileExpr(cenv, r.When.Expr); err != nil {
				verr.add("collision rule %q: expr: %v", r.Name, err)
			}
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}
	rs.order()
	return nil
}
