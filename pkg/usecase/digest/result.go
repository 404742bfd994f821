package digest

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/jotter/pkg/adapter"
	"github.com/m-mizutani/jotter/pkg/model"
)

type result struct {
	Narrative        string
	Highlights       []model.DigestHighlight
	Warnings         []model.DigestWarning
	SuggestedActions []model.DigestSuggestedAction
}

var levels = []any{"low", "medium", "high"}

func resultSchema() *jsonschema.Schema {
	str := func(desc string) *jsonschema.Schema {
		return &jsonschema.Schema{Type: "string", Description: desc}
	}
	level := &jsonschema.Schema{Type: "string", Enum: levels}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"narrative": str("Summary of the day"),
			"highlights": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"title":  str("Highlight title"),
						"detail": str("Highlight detail"),
					},
					Required: []string{"title"},
				},
			},
			"warnings": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"title":    str("Warning title"),
						"detail":   str("Warning detail"),
						"severity": level,
					},
					Required: []string{"title"},
				},
			},
			"suggested_actions": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"text":     str("The action"),
						"reason":   str("Why it matters"),
						"priority": level,
					},
					Required: []string{"text"},
				},
			},
		},
		Required: []string{"narrative", "highlights", "warnings", "suggested_actions"},
	}
}

// parseResult decodes each field on its own. ok is false when the response is
// not a JSON object at all; complete is false when some fields or items were dropped.
func parseResult(raw string) (r *result, ok, complete bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(adapter.CleanJSON(raw)), &fields); err != nil {
		return nil, false, false
	}

	r = &result{}
	complete = true
	if v, found := fields["narrative"]; found {
		if err := json.Unmarshal(v, &r.Narrative); err != nil {
			complete = false
		}
	}
	r.Narrative = strings.TrimSpace(r.Narrative)
	if r.Narrative == "" {
		complete = false
	}

	var itemsOK bool
	if r.Highlights, itemsOK = decodeItems[model.DigestHighlight](fields["highlights"], func(x model.DigestHighlight) bool {
		return strings.TrimSpace(x.Title) != ""
	}); !itemsOK {
		complete = false
	}
	if r.Warnings, itemsOK = decodeItems[model.DigestWarning](fields["warnings"], func(x model.DigestWarning) bool {
		return strings.TrimSpace(x.Title) != ""
	}); !itemsOK {
		complete = false
	}
	if r.SuggestedActions, itemsOK = decodeItems[model.DigestSuggestedAction](fields["suggested_actions"], func(x model.DigestSuggestedAction) bool {
		return strings.TrimSpace(x.Text) != ""
	}); !itemsOK {
		complete = false
	}

	return r, true, complete
}

func decodeItems[T any](raw json.RawMessage, valid func(T) bool) ([]T, bool) {
	out := []T{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, true
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out, false
	}

	ok := true
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil || !valid(v) {
			ok = false
			continue
		}
		out = append(out, v)
	}
	return out, ok
}
