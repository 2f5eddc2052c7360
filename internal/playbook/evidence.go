package playbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// SelectEvidence walks kinds in priority order and returns the first entry of
// the first kind present.
func SelectEvidence(evidence []types.Evidence, kinds ...string) (types.Evidence, bool) {
	for _, kind := range kinds {
		for _, e := range evidence {
			if e.Kind == kind {
				return e, true
			}
		}
	}
	return types.Evidence{}, false
}

// RequireEvidence selects evidence by kind and checks that every field is
// present in its ref.
func RequireEvidence(evidence []types.Evidence, kinds []string, fields ...string) (types.Evidence, *StepError) {
	e, ok := SelectEvidence(evidence, kinds...)
	if !ok {
		return types.Evidence{}, newStepError(CodeEvidenceMissing,
			fmt.Sprintf("no evidence of kind %s", strings.Join(kinds, "|")),
			map[string]any{"kinds": kinds})
	}
	if missing := missingFields(e.Ref, fields); len(missing) > 0 {
		return types.Evidence{}, newStepError(CodeInvalidEvidence,
			fmt.Sprintf("%s evidence missing ref fields %s", e.Kind, strings.Join(missing, ",")),
			map[string]any{"kind": e.Kind, "missing": missing})
	}
	return e, nil
}

func missingFields(ref map[string]any, fields []string) []string {
	missing := []string{}
	for _, f := range fields {
		if _, ok := RefString(ref, f); !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// RefString reads a scalar ref field as a non-empty string.
func RefString(ref map[string]any, key string) (string, bool) {
	v, ok := ref[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case bool:
		s = strconv.FormatBool(t)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// EvidenceValidator enforces a definition's RequiredEvidence as JSON Schema.
// Each requirement compiles to a pair of "contains" schemas: one on kind
// alone, one on kind plus ref fields, so the failure can name which half
// was missing.
type EvidenceValidator struct {
	reqs  []EvidenceRequirement
	kinds []*jsonschema.Schema
	full  []*jsonschema.Schema
}

func NewEvidenceValidator(playbookID string, reqs []EvidenceRequirement) (*EvidenceValidator, error) {
	v := &EvidenceValidator{reqs: reqs}
	for i, req := range reqs {
		if len(req.Kinds) == 0 {
			return nil, fmt.Errorf("playbook %s: evidence requirement %d lists no kinds", playbookID, i)
		}
		kindOnly, err := compileContains(fmt.Sprintf("%s/%d/kind", playbookID, i), req.Kinds, nil)
		if err != nil {
			return nil, err
		}
		full, err := compileContains(fmt.Sprintf("%s/%d/full", playbookID, i), req.Kinds, req.RequiredFields)
		if err != nil {
			return nil, err
		}
		v.kinds = append(v.kinds, kindOnly)
		v.full = append(v.full, full)
	}
	return v, nil
}

func compileContains(name string, kinds, fields []string) (*jsonschema.Schema, error) {
	item := map[string]any{
		"type":       "object",
		"required":   []any{"kind"},
		"properties": map[string]any{"kind": map[string]any{"enum": kinds}},
	}
	if len(fields) > 0 {
		props := map[string]any{}
		for _, f := range fields {
			props[f] = map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "minLength": 1},
					map[string]any{"type": []any{"number", "boolean"}},
				},
			}
		}
		item["required"] = []any{"kind", "ref"}
		item["properties"].(map[string]any)["ref"] = map[string]any{
			"type":       "object",
			"required":   fields,
			"properties": props,
		}
	}
	doc := map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "array",
		"contains": item,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://factory.schemas.local/evidence/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("evidence schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("evidence schema compile failed: %w", err)
	}
	return compiled, nil
}

// Validate returns EVIDENCE_MISSING when no entry of a required kind exists
// and EVIDENCE_INSUFFICIENT when one exists without the required fields.
func (v *EvidenceValidator) Validate(evidence []types.Evidence) *StepError {
	doc, err := toJSONValue(evidence)
	if err != nil {
		return newStepError(CodeInvalidEvidence, "evidence is not JSON encodable: "+err.Error(), nil)
	}
	for i, req := range v.reqs {
		if err := v.kinds[i].Validate(doc); err != nil {
			return newStepError(CodeEvidenceMissing,
				fmt.Sprintf("required evidence of kind %s not found", strings.Join(req.Kinds, "|")),
				map[string]any{"kinds": req.Kinds})
		}
		if err := v.full[i].Validate(doc); err != nil {
			return newStepError(CodeEvidenceInsufficient,
				fmt.Sprintf("evidence of kind %s lacks required fields %s", strings.Join(req.Kinds, "|"), strings.Join(req.RequiredFields, ",")),
				map[string]any{"kinds": req.Kinds, "requiredFields": req.RequiredFields})
		}
	}
	return nil
}

func toJSONValue(evidence []types.Evidence) (any, error) {
	if evidence == nil {
		evidence = []types.Evidence{}
	}
	raw, err := json.Marshal(evidence)
	if err != nil {
		return nil, err
	}
	// jsonschema/v5 validates numbers as json.Number
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
