package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trunkline-ai/trunkline/pkg/types"
)

// ContactSearcher is the data source behind the query_database tool.
// Implemented by the Postgres store.
type ContactSearcher interface {
	// SearchContacts runs a free-text search and returns at most limit rows.
	SearchContacts(ctx context.Context, query string, limit int) ([]map[string]any, error)
}

const defaultSearchLimit = 5

// queryDatabaseArgs is the LLM-facing argument shape.
type queryDatabaseArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// QueryDatabase builds the built-in contact lookup tool.
func QueryDatabase(source ContactSearcher) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name: "query_database",
			Description: "Search the contact database for information. " +
				"Use natural language queries to find contacts, campaigns, or statistics.",
			Parameters: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Natural language search query (e.g., 'find contact John Smith')",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return",
					"default":     defaultSearchLimit,
				},
			},
			Required: []string{"query"},
		},
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args queryDatabaseArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if args.Query == "" {
				return "", fmt.Errorf("missing required argument: 'query'")
			}
			if args.Limit <= 0 {
				args.Limit = defaultSearchLimit
			}

			rows, err := source.SearchContacts(ctx, args.Query, args.Limit)
			if err != nil {
				return "", fmt.Errorf("search contacts: %w", err)
			}

			encoded, err := json.Marshal(rows)
			if err != nil {
				return "", fmt.Errorf("encode results: %w", err)
			}
			return string(encoded), nil
		},
	}
}

// EndCallNote builds a tool that lets the LLM leave a structured note about
// the call outcome (interest level, callback time, extracted data). The note
// is handed to sink; persistence is best-effort.
func EndCallNote(sink func(ctx context.Context, note map[string]any) error) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name: "save_call_note",
			Description: "Save a structured note about the call outcome before ending. " +
				"Include any commitments, contact details, or interest level gathered.",
			Parameters: map[string]any{
				"note": map[string]any{
					"type":        "object",
					"description": "Arbitrary key/value pairs describing the outcome",
				},
			},
			Required: []string{"note"},
		},
		Handler: func(ctx context.Context, rawArgs string) (string, error) {
			var args struct {
				Note map[string]any `json:"note"`
			}
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if len(args.Note) == 0 {
				return "", fmt.Errorf("missing required argument: 'note'")
			}
			if err := sink(ctx, args.Note); err != nil {
				return "", fmt.Errorf("save note: %w", err)
			}
			return `{"saved":true}`, nil
		},
	}
}
