// Package answer defines the structured response contract between the
// gateway and its callers, and validates model output against it. Anything
// the model produces that cannot be made schema-compliant is replaced by a
// compliant error payload; callers never parse free text.
package answer

import (
	"encoding/json"
)

// KPI is one headline figure.
type KPI struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Delta float64 `json:"delta,omitempty"`
}

// Table is tabular result data, capped at the inline row limit upstream.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Chart is a rendering hint for the caller's charting layer.
type Chart struct {
	Kind   string   `json:"kind"`
	XField string   `json:"x_field"`
	YField string   `json:"y_field"`
	Series []string `json:"series,omitempty"`
}

// Action kinds the gateway can attach to an answer.
const (
	ActionExportOffer       = "export_offer"
	ActionProposalReference = "proposal_reference"
)

// Action is one follow-up the caller can take: claim an export, or open a
// pending proposal for review.
type Action struct {
	Kind          string `json:"kind"`
	Label         string `json:"label"`
	ExportToken   string `json:"export_token,omitempty"`
	ProposalID    string `json:"proposal_id,omitempty"`
	EstimatedRows int64  `json:"estimated_rows,omitempty"`
}

// Meta carries turn accounting. Filled by the gateway, never by the model.
type Meta struct {
	ToolCalls    int      `json:"tool_calls"`
	TotalTimeMs  int64    `json:"total_time_ms"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Tier         string   `json:"tier"`
	Escalated    bool     `json:"escalated,omitempty"`
	Reasons      []string `json:"escalation_reasons,omitempty"`
}

// ErrorInfo is the structured error slot of an answer.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StructuredAnswer is the gateway's only response shape. Summary is always
// present; every other field is optional. Unknown top-level fields from the
// model are rejected, not passed through.
type StructuredAnswer struct {
	Summary string     `json:"summary"`
	KPIs    []KPI      `json:"kpis,omitempty"`
	Table   *Table     `json:"table,omitempty"`
	Chart   *Chart     `json:"chart,omitempty"`
	Actions []Action   `json:"actions,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ModelSchema is the JSON Schema handed to the model describing the answer
// shape it must emit. Meta is absent: the gateway owns accounting.
func ModelSchema() map[string]any {
	raw := Schema()
	if props, ok := raw["properties"].(map[string]any); ok {
		delete(props, "meta")
	}
	return raw
}

// Schema is the full answer schema, used to validate model output.
func Schema() map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &out); err != nil {
		panic("answer: invalid embedded schema: " + err.Error())
	}
	return out
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "kpis": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["label", "value"],
        "properties": {
          "label": {"type": "string"},
          "value": {"type": "number"},
          "unit": {"type": "string"},
          "delta": {"type": "number"}
        }
      }
    },
    "table": {
      "type": "object",
      "additionalProperties": false,
      "required": ["columns", "rows"],
      "properties": {
        "columns": {"type": "array", "items": {"type": "string"}},
        "rows": {"type": "array", "items": {"type": "array"}}
      }
    },
    "chart": {
      "type": "object",
      "additionalProperties": false,
      "required": ["kind", "x_field", "y_field"],
      "properties": {
        "kind": {"type": "string", "enum": ["line", "bar", "pie", "area"]},
        "x_field": {"type": "string"},
        "y_field": {"type": "string"},
        "series": {"type": "array", "items": {"type": "string"}}
      }
    },
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["kind", "label"],
        "properties": {
          "kind": {"type": "string", "enum": ["export_offer", "proposal_reference"]},
          "label": {"type": "string"},
          "export_token": {"type": "string"},
          "proposal_id": {"type": "string"},
          "estimated_rows": {"type": "integer"}
        }
      }
    },
    "error": {
      "type": "object",
      "additionalProperties": false,
      "required": ["code", "message"],
      "properties": {
        "code": {"type": "string"},
        "message": {"type": "string"}
      }
    },
    "meta": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tool_calls": {"type": "integer"},
        "total_time_ms": {"type": "integer"},
        "input_tokens": {"type": "integer"},
        "output_tokens": {"type": "integer"},
        "provider": {"type": "string"},
        "model": {"type": "string"},
        "tier": {"type": "string"},
        "escalated": {"type": "boolean"},
        "escalation_reasons": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`
