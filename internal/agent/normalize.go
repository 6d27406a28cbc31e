package agent

import (
	"encoding/json"
	"strings"
)

// normalizeToolResult flattens the shapes tools hand back into the
// canonical text the model sees, and reports whether the result carried
// a failure flag. Recognized shapes: plain strings, {output: string}
// and {result: any} envelopes, and MCP-style {content: [{type, text}]}
// arrays. Anything else is passed through as JSON.
//
// A result counts as failed when the tool said so (IsError), when an
// envelope carries success=false or a non-empty error field, or when
// metadata reports a non-zero exitCode.
func normalizeToolResult(res *ToolResult) (string, bool) {
	failed := res.IsError || metadataFailed(res.Metadata)

	raw := res.Raw
	if raw == nil {
		if m, ok := parseObject(res.Content); ok {
			out, envFailed := unwrapEnvelope(m, res.Content)
			return out, failed || envFailed
		}
		return res.Content, failed
	}

	switch v := raw.(type) {
	case string:
		return v, failed
	case map[string]any:
		out, envFailed := unwrapEnvelope(v, "")
		return out, failed || envFailed
	default:
		return stringify(v), failed
	}
}

// unwrapEnvelope extracts the payload text from a structured result and
// checks its failure flags. original, when non-empty, is the verbatim
// JSON to fall back to instead of re-marshalling.
func unwrapEnvelope(m map[string]any, original string) (string, bool) {
	failed := false
	if success, ok := m["success"].(bool); ok && !success {
		failed = true
	}
	if errVal, ok := m["error"]; ok && errVal != nil {
		if s, isStr := errVal.(string); !isStr || s != "" {
			failed = true
		}
	}
	if meta, ok := m["metadata"].(map[string]any); ok && metadataFailed(meta) {
		failed = true
	}

	if out, ok := m["output"].(string); ok {
		return out, failed
	}
	if result, ok := m["result"]; ok {
		if s, isStr := result.(string); isStr {
			return s, failed
		}
		return stringify(result), failed
	}
	if content, ok := m["content"].([]any); ok {
		if text, ok := joinContentText(content); ok {
			return text, failed
		}
	}
	if original != "" {
		return original, failed
	}
	return stringify(m), failed
}

// joinContentText joins the text items of an MCP content array.
func joinContentText(content []any) (string, bool) {
	var parts []string
	for _, item := range content {
		entry, ok := item.(map[string]any)
		if !ok {
			return "", false
		}
		if t, _ := entry["type"].(string); t != "" && t != "text" {
			continue
		}
		if text, ok := entry["text"].(string); ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

func metadataFailed(meta map[string]any) bool {
	if meta == nil {
		return false
	}
	switch code := meta["exitCode"].(type) {
	case float64:
		return code != 0
	case int:
		return code != 0
	}
	return false
}

func parseObject(s string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, false
	}
	return m, true
}

func stringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
