package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type planAlias Plan

// FieldError is a decoding failure tied to one document field. Path uses the
// dotted document names, e.g. "plan_metadata.created_at".
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// fieldError attaches the path of the failing field to a decoding error.
// prefix is the path of the value that was being decoded.
func fieldError(prefix string, err error) error {
	var typeErr *json.UnmarshalTypeError
	var timeErr *time.ParseError
	path := prefix
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		path = joinPath(prefix, typeErr.Field)
	case errors.As(err, &timeErr) && prefix == "":
		// created_at is the only timestamp in a plan document.
		path = "plan_metadata.created_at"
	}
	if path == "" {
		return err
	}
	return &FieldError{Path: path, Err: err}
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

// UnmarshalJSON decodes a plan document, decoding pattern_config into the
// config type matching pattern.type. An unknown pattern type is not an error
// here; validation reports it.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var doc struct {
		planAlias
		PatternConfig json.RawMessage `json:"pattern_config"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fieldError("", err)
	}

	*p = Plan(doc.planAlias)
	p.rawPatternConfig = append([]byte(nil), doc.PatternConfig...)

	if !p.Pattern.Type.Known() {
		return nil
	}
	cfg, err := DecodePatternConfig(p.Pattern.Type, doc.PatternConfig)
	if err != nil {
		return fieldError("pattern_config", err)
	}
	p.PatternConfig = cfg
	return nil
}

// MarshalJSON encodes the plan in document form.
func (p Plan) MarshalJSON() ([]byte, error) {
	var cfg json.RawMessage
	switch {
	case p.PatternConfig != nil:
		b, err := json.Marshal(p.PatternConfig)
		if err != nil {
			return nil, err
		}
		cfg = b
	case len(p.rawPatternConfig) > 0:
		cfg = p.rawPatternConfig
	default:
		cfg = json.RawMessage("{}")
	}

	return json.Marshal(struct {
		planAlias
		PatternConfig json.RawMessage `json:"pattern_config"`
	}{planAlias(p), cfg})
}

// Parse decodes a JSON plan document.
func Parse(doc []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &p, nil
}

// ReadDocument reads a plan file and returns it as JSON. Files ending in
// .yaml or .yml are converted from YAML.
func ReadDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		return data, nil
	}
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, []byte, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, nil, err
	}
	p, err := Parse(doc)
	if err != nil {
		return nil, doc, err
	}
	return p, doc, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v interface{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse YAML plan: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML plan to JSON: %w", err)
	}
	return out, nil
}

// Canonical returns the plan content used for hashing: everything except the
// creation timestamp, with field order fixed by the Go types and map keys
// sorted by encoding/json.
func (p *Plan) Canonical() ([]byte, error) {
	c := *p
	c.Metadata.CreatedAt = time.Time{}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// ContentHash returns the sha256 of the canonical plan content.
func (p *Plan) ContentHash() (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
