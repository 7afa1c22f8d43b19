package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Parser turns raw model text into a validated StructuredAnswer.
type Parser struct {
	compiled *jsonschema.Schema
}

// NewParser compiles the answer schema once. Panics on an invalid embedded
// schema, which is a programming error.
func NewParser() *Parser {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		panic("answer: " + err.Error())
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("answer.json", doc); err != nil {
		panic("answer: " + err.Error())
	}
	compiled, err := compiler.Compile("answer.json")
	if err != nil {
		panic("answer: " + err.Error())
	}
	return &Parser{compiled: compiled}
}

// Parse extracts and validates a structured answer from model output.
// Models routinely wrap JSON in markdown fences despite instructions, so
// fences are stripped before decoding.
func (p *Parser) Parse(raw string) (*StructuredAnswer, error) {
	text := stripFences(raw)

	var generic any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("Parse: not valid JSON: %w", err)
	}
	if err := p.compiled.Validate(toValidatable(generic)); err != nil {
		return nil, fmt.Errorf("Parse: schema violation: %w", err)
	}

	var out StructuredAnswer
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	return &out, nil
}

// Sanitize guarantees a schema-compliant payload. A parseable answer is
// returned as-is; anything else collapses into an error answer that still
// honors the contract.
func (p *Parser) Sanitize(raw string) *StructuredAnswer {
	if ans, err := p.Parse(raw); err == nil {
		return ans
	}
	summary := strings.TrimSpace(stripFences(raw))
	if summary == "" {
		summary = "The assistant did not produce an answer."
	}
	// Free text still reaches the user, but inside the contract.
	return &StructuredAnswer{
		Summary: truncate(summary, 2000),
		Error: &ErrorInfo{
			Code:    "malformed_answer",
			Message: "the model response did not match the answer schema",
		},
	}
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims to the outermost JSON object when the model added
// prose around it.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			text = text[start : end+1]
		}
	}
	return text
}

// truncate cuts at a rune boundary so the result stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// toValidatable normalizes json.Number values into the float64/int shapes
// the validator expects.
func toValidatable(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = toValidatable(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = toValidatable(vv)
		}
		return out
	default:
		return v
	}
}
