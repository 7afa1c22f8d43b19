package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/atlasbi/gateway/internal/answer"
	"github.com/atlasbi/gateway/internal/provider"
	"github.com/atlasbi/gateway/internal/workspace"
)

const basePrompt = `You are a business data analyst assistant. You answer
questions about business data using only the tools provided; you have no
other knowledge of the data. Rules:
- Use tools to fetch data. Never invent figures.
- Filter values are resolved server-side; pass the user's own vocabulary.
- If a tool reports that a result is too large, tell the user an export was
  started instead of retrying with the same parameters.
- Mutations are never executed directly. Tools that draft changes create a
  proposal for human review; report the proposal reference.
- Your final reply must be a single JSON object matching the answer schema
  below. No markdown fences, no prose outside the JSON.`

// systemPrompt assembles the per-turn system prompt: base rules, the answer
// schema, the dimension vocabulary, and any workspace extra context.
func (g *Gateway) systemPrompt(ctx context.Context, ws *workspace.Workspace) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	b.WriteString("\n\nAnswer schema:\n")
	if raw, err := json.Marshal(answer.ModelSchema()); err == nil {
		b.Write(raw)
	}

	if vocab := g.resolver.ContextBlock(ctx); vocab != "" {
		b.WriteString("\n\n")
		b.WriteString(vocab)
	}

	if ws != nil && ws.ExtraContext != "" {
		b.WriteString("\n\n")
		b.WriteString(ws.ExtraContext)
	}
	return b.String()
}

// toolSchemas renders the tools offered to the model for this workspace.
func (g *Gateway) toolSchemas(ws *workspace.Workspace) []provider.ToolSchema {
	var out []provider.ToolSchema
	for _, name := range g.registry.Names() {
		if ws != nil && !ws.AllowsTool(name) {
			continue
		}
		desc, err := g.registry.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, provider.ToolSchema{
			Name:        desc.Name,
			Description: desc.Description,
			Parameters:  desc.ParamSchema,
		})
	}
	return out
}

// trimHistory keeps the most recent messages within the configured window.
func (g *Gateway) trimHistory(history []provider.Message) []provider.Message {
	if len(history) <= g.cfg.MaxHistoryMessages {
		return history
	}
	return history[len(history)-g.cfg.MaxHistoryMessages:]
}
