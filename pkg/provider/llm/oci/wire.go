package oci

import (
	"encoding/json"
	"strings"

	"github.com/acedergren/ocigenai/internal/ocihttp"
	"github.com/acedergren/ocigenai/pkg/apierror"
	"github.com/acedergren/ocigenai/pkg/provider/llm"
)

// chatDetails is the body of POST /actions/chat.
type chatDetails struct {
	CompartmentID string              `json:"compartmentId"`
	ServingMode   ocihttp.ServingMode `json:"servingMode"`
	ChatRequest   any                 `json:"chatRequest"`
}

// sampling holds the parameters shared by both request formats.
type sampling struct {
	MaxTokens        int     `json:"maxTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	FrequencyPenalty float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  float64 `json:"presencePenalty,omitempty"`
}

type genericRequest struct {
	APIFormat string           `json:"apiFormat"`
	Messages  []genericMessage `json:"messages"`
	sampling
	Stop     []string      `json:"stop,omitempty"`
	Tools    []genericTool `json:"tools,omitempty"`
	IsStream bool          `json:"isStream,omitempty"`
}

type genericMessage struct {
	Role       string            `json:"role"`
	Content    []contentPart     `json:"content"`
	ToolCalls  []genericToolCall `json:"toolCalls,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type genericToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type genericTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type cohereRequest struct {
	APIFormat        string             `json:"apiFormat"`
	Message          string             `json:"message"`
	ChatHistory      []cohereMessage    `json:"chatHistory,omitempty"`
	PreambleOverride string             `json:"preambleOverride,omitempty"`
	ToolResults      []cohereToolResult `json:"toolResults,omitempty"`
	Tools            []cohereTool       `json:"tools,omitempty"`
	sampling
	StopSequences []string `json:"stopSequences,omitempty"`
	IsStream      bool     `json:"isStream,omitempty"`
}

type cohereMessage struct {
	Role      string           `json:"role"`
	Message   string           `json:"message"`
	ToolCalls []cohereToolCall `json:"toolCalls,omitempty"`
}

type cohereToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

type cohereToolResult struct {
	Call    cohereToolCall      `json:"call"`
	Outputs []map[string]string `json:"outputs"`
}

type cohereTool struct {
	Name                 string                     `json:"name"`
	Description          string                     `json:"description"`
	ParameterDefinitions map[string]cohereParameter `json:"parameterDefinitions,omitempty"`
}

type cohereParameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	IsRequired  bool   `json:"isRequired"`
}

var roles = map[string]string{
	llm.RoleSystem:    "SYSTEM",
	llm.RoleUser:      "USER",
	llm.RoleAssistant: "ASSISTANT",
	llm.RoleTool:      "TOOL",
}

func samplingFrom(req llm.Request) sampling {
	return sampling{
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
}

func buildGeneric(req llm.Request, tools bool) (genericRequest, error) {
	out := genericRequest{
		APIFormat: "GENERIC",
		sampling:  samplingFrom(req),
		Stop:      req.StopSequences,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, genericMessage{
			Role:    "SYSTEM",
			Content: []contentPart{{Type: "TEXT", Text: req.SystemPrompt}},
		})
	}
	for _, m := range req.Messages {
		role, ok := roles[m.Role]
		if !ok {
			return genericRequest{}, apierror.Validation("chat", "unknown message role %q", m.Role)
		}
		gm := genericMessage{Role: role, Content: []contentPart{}, ToolCallID: m.ToolCallID}
		if m.Content != "" {
			gm.Content = append(gm.Content, contentPart{Type: "TEXT", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			gm.ToolCalls = append(gm.ToolCalls, genericToolCall{
				ID:        tc.ID,
				Type:      "FUNCTION",
				Name:      tc.Name,
				Arguments: orEmptyObject(tc.Arguments),
			})
		}
		out.Messages = append(out.Messages, gm)
	}
	if tools {
		for _, td := range req.Tools {
			params := td.Parameters
			if params == nil {
				params = map[string]any{}
			}
			if _, ok := params["type"]; !ok {
				params = withType(params)
			}
			out.Tools = append(out.Tools, genericTool{
				Type:        "FUNCTION",
				Name:        td.Name,
				Description: td.Description,
				Parameters:  params,
			})
		}
	}
	return out, nil
}

// buildCohere maps the conversation onto Cohere's message + chatHistory
// shape. The last user message becomes Message; system text becomes the
// preamble; tool messages become toolResults matched by call ID.
func buildCohere(req llm.Request, tools bool) (cohereRequest, error) {
	last := -1
	for i, m := range req.Messages {
		if _, ok := roles[m.Role]; !ok {
			return cohereRequest{}, apierror.Validation("chat", "unknown message role %q", m.Role)
		}
		if m.Role == llm.RoleUser {
			last = i
		}
	}
	if last < 0 {
		return cohereRequest{}, apierror.Validation("chat", "cohere models need at least one user message")
	}

	out := cohereRequest{
		APIFormat:     "COHERE",
		Message:       req.Messages[last].Content,
		sampling:      samplingFrom(req),
		StopSequences: req.StopSequences,
	}
	var preamble []string
	if req.SystemPrompt != "" {
		preamble = append(preamble, req.SystemPrompt)
	}
	calls := map[string]cohereToolCall{}
	for i, m := range req.Messages {
		if i == last {
			continue
		}
		switch m.Role {
		case llm.RoleSystem:
			preamble = append(preamble, m.Content)
		case llm.RoleUser:
			out.ChatHistory = append(out.ChatHistory, cohereMessage{Role: "USER", Message: m.Content})
		case llm.RoleAssistant:
			cm := cohereMessage{Role: "CHATBOT", Message: m.Content}
			for _, tc := range m.ToolCalls {
				call := cohereToolCall{Name: tc.Name, Parameters: parseArguments(tc.Arguments)}
				calls[tc.ID] = call
				cm.ToolCalls = append(cm.ToolCalls, call)
			}
			out.ChatHistory = append(out.ChatHistory, cm)
		case llm.RoleTool:
			call, ok := calls[m.ToolCallID]
			if !ok {
				continue
			}
			out.ToolResults = append(out.ToolResults, cohereToolResult{
				Call:    call,
				Outputs: []map[string]string{{"result": m.Content}},
			})
		}
	}
	out.PreambleOverride = strings.Join(preamble, "\n")

	if tools {
		for _, td := range req.Tools {
			out.Tools = append(out.Tools, cohereTool{
				Name:                 td.Name,
				Description:          td.Description,
				ParameterDefinitions: parameterDefinitions(td.Parameters),
			})
		}
	}
	return out, nil
}

// parameterDefinitions flattens a JSON Schema object into Cohere's
// per-parameter definitions. Nested schemas are reduced to their type.
func parameterDefinitions(schema map[string]any) map[string]cohereParameter {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	out := make(map[string]cohereParameter, len(props))
	for name, raw := range props {
		p, _ := raw.(map[string]any)
		typ, _ := p["type"].(string)
		desc, _ := p["description"].(string)
		out[name] = cohereParameter{Type: typ, Description: desc, IsRequired: required[name]}
	}
	return out
}

func parseArguments(args string) map[string]any {
	out := map[string]any{}
	if args == "" {
		return out
	}
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

// withType returns a copy of schema with type "object" added.
func withType(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["type"] = "object"
	return out
}
