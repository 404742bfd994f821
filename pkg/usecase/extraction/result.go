package extraction

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/jotter/pkg/adapter"
)

// Result is the structured payload returned by inference
type Result struct {
	Title            string             `json:"title"`
	Tags             []string           `json:"tags"`
	Intent           string             `json:"intent"`
	IntentConfidence float64            `json:"intent_confidence"`
	Decisions        []DecisionResult   `json:"decisions"`
	Actions          []ActionResult     `json:"actions"`
	Commitments      []CommitmentResult `json:"commitments"`
	Unresolved       []UnresolvedResult `json:"unresolved"`
	MentionedPeople  []string           `json:"mentioned_people"`
	InferredProject  string             `json:"inferred_project"`
	NextStep         string             `json:"next_step"`
	NextStepType     string             `json:"next_step_type"`
}

type DecisionResult struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

type ActionResult struct {
	Content  string `json:"content"`
	Owner    string `json:"owner"`
	Deadline string `json:"deadline"`
}

type CommitmentResult struct {
	Content      string `json:"content"`
	Owner        string `json:"owner"`
	Counterparty string `json:"counterparty"`
	Deadline     string `json:"deadline"`
}

type UnresolvedResult struct {
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func num(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: desc}
}

func array(desc string, items *jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: desc, Items: items}
}

func object(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// resultSchema describes Result for structured output
func resultSchema() *jsonschema.Schema {
	return object(map[string]*jsonschema.Schema{
		"title": str("Short title of the note"),
		"tags":  array("Topic tags", str("")),
		"intent": {
			Type: "string",
			Enum: []any{"action", "decision", "idea", "question", "reminder", "reflection", "reference", "unknown"},
		},
		"intent_confidence": num("Confidence of the intent between 0 and 1"),
		"decisions": array("Decisions made", object(map[string]*jsonschema.Schema{
			"content":    str("What was decided"),
			"confidence": num("Confidence between 0 and 1"),
		}, "content")),
		"actions": array("Tasks to do", object(map[string]*jsonschema.Schema{
			"content":  str("The task"),
			"owner":    str("Person responsible"),
			"deadline": str("Due date as YYYY-MM-DD or as written"),
		}, "content")),
		"commitments": array("Promises between people", object(map[string]*jsonschema.Schema{
			"content":      str("The promise"),
			"owner":        str("Who promised"),
			"counterparty": str("To whom"),
			"deadline":     str("When"),
		}, "content")),
		"unresolved": array("Open points", object(map[string]*jsonschema.Schema{
			"content": str("The open point"),
			"reason": {
				Type: "string",
				Enum: []any{"missing_info", "blocked", "needs_decision", "open_question", "other"},
			},
		}, "content")),
		"mentioned_people": array("People mentioned", str("")),
		"inferred_project": str("Project the note belongs to"),
		"next_step":        str("Most useful next step"),
		"next_step_type": {
			Type: "string",
			Enum: []any{"date", "contact", "decision", "simple"},
		},
	}, "title", "tags", "intent", "decisions", "actions", "commitments", "unresolved", "mentioned_people")
}

// parseResult decodes a model response field by field. Fields that fail to
// decode are left empty, and array items that fail are dropped; complete is
// false when anything was lost that way. ok is false when raw holds no JSON
// object at all.
func parseResult(raw string) (result *Result, complete, ok bool) {
	result = &Result{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(adapter.CleanJSON(raw)), &fields); err != nil || fields == nil {
		return result, false, false
	}

	complete = true
	decode := func(key string, dst any) {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return
		}
		if err := json.Unmarshal(v, dst); err != nil {
			complete = false
		}
	}

	decode("title", &result.Title)
	decode("intent", &result.Intent)
	decode("intent_confidence", &result.IntentConfidence)
	decode("inferred_project", &result.InferredProject)
	decode("next_step", &result.NextStep)
	decode("next_step_type", &result.NextStepType)

	var itemsOK bool
	if result.Tags, itemsOK = decodeItems[string](fields["tags"]); !itemsOK {
		complete = false
	}
	if result.MentionedPeople, itemsOK = decodeItems[string](fields["mentioned_people"]); !itemsOK {
		complete = false
	}
	if result.Decisions, itemsOK = decodeItems[DecisionResult](fields["decisions"]); !itemsOK {
		complete = false
	}
	if result.Actions, itemsOK = decodeItems[ActionResult](fields["actions"]); !itemsOK {
		complete = false
	}
	if result.Commitments, itemsOK = decodeItems[CommitmentResult](fields["commitments"]); !itemsOK {
		complete = false
	}
	if result.Unresolved, itemsOK = decodeItems[UnresolvedResult](fields["unresolved"]); !itemsOK {
		complete = false
	}

	if strings.TrimSpace(result.Title) == "" {
		complete = false
	}
	return result, complete, true
}

// decodeItems decodes a JSON array keeping the items that decode
func decodeItems[T any](raw json.RawMessage) ([]T, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}

	ok := true
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			ok = false
			continue
		}
		out = append(out, v)
	}
	return out, ok
}
