package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	itemProps := map[string]any{
		"id":              propString("Item ID; generated when omitted."),
		"content":         propString("Primary textual payload."),
		"memory_type":     propStringEnum("Memory classification.", []string{"short_term", "mid_term", "long_term", "semantic", "conversation"}),
		"agent_id":        propString("Owning agent identifier."),
		"conversation_id": propString("Conversation scoping identifier."),
		"user_id":         propString("User scoping identifier."),
		"metadata":        map[string]any{"type": "object"},
	}

	return []ToolDefinition{
		{
			Name:        "memory_store",
			Description: "Store a memory item; broadcast to all tiers unless a layer is given.",
			InputSchema: jsonSchema(withLayer(itemProps), []string{"content"}),
		},
		{
			Name:        "memory_retrieve",
			Description: "Point lookup by ID, walking tiers in priority order unless a layer is given.",
			InputSchema: jsonSchema(withLayer(map[string]any{
				"id": propString("Item ID."),
			}), []string{"id"}),
		},
		{
			Name:        "memory_query",
			Description: "Filtered search, fanned out across all tiers and merged by relevance.",
			InputSchema: jsonSchema(withLayer(map[string]any{
				"text":            propString("Text to match (containment or similarity per tier)."),
				"memory_type":     propString("Exact memory type filter."),
				"agent_id":        propString("Exact agent filter."),
				"conversation_id": propString("Exact conversation filter."),
				"user_id":         propString("Exact user filter."),
				"metadata":        map[string]any{"type": "object"},
				"limit":           propNumber("Maximum results."),
			}), nil),
		},
		{
			Name:        "memory_delete",
			Description: "Delete an item from one tier, or from every tier when no layer is given.",
			InputSchema: jsonSchema(withLayer(map[string]any{
				"id": propString("Item ID."),
			}), []string{"id"}),
		},
		{
			Name:        "memory_recall",
			Description: "Semantic-first recall: vector tier first, keyword padding when under-supplied.",
			InputSchema: jsonSchema(map[string]any{
				"text":  propString("Recall query text."),
				"limit": propNumber("Maximum results."),
			}, []string{"text"}),
		},
		{
			Name:        "memory_remember_conversation",
			Description: "Store one conversational exchange tagged with its scoping identifiers.",
			InputSchema: jsonSchema(map[string]any{
				"text":            propString("Exchange text."),
				"user_id":         propString("User identifier."),
				"conversation_id": propString("Conversation identifier."),
				"metadata":        map[string]any{"type": "object"},
			}, []string{"text"}),
		},
		{
			Name:        "memory_conversation_history",
			Description: "Merged, ranked conversation items for one conversation across all tiers.",
			InputSchema: jsonSchema(map[string]any{
				"conversation_id": propString("Conversation identifier."),
				"limit":           propNumber("Maximum results."),
			}, []string{"conversation_id"}),
		},
	}
}

func withLayer(props map[string]any) map[string]any {
	props["layer"] = propString("Optional tier name to target directly.")
	return props
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}
