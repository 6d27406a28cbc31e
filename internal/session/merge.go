package session

import (
	"encoding/json"
	"fmt"
)

// validateMessagePatch refuses patches that touch sections mergeMessage
// does not know. There is no generic recursive merge to fall back on, so
// an unknown section is a caller bug, not a request.
func validateMessagePatch(patch map[string]any) error {
	for key := range patch {
		switch key {
		case "time", "assistant", "user":
		default:
			return fmt.Errorf("unknown message patch section %q", key)
		}
	}
	return nil
}

// mergeMessage applies a validated patch to a message document. The three
// known nested sections (time, assistant, user) merge key by key. Within
// assistant, the tokens subtree also merges key by key so a usage update
// cannot wipe sibling counters.
func mergeMessage(doc, patch map[string]any) {
	for key, val := range patch {
		switch key {
		case "time", "assistant", "user":
			cur, curOK := doc[key].(map[string]any)
			next, nextOK := jsonMap(val)
			if curOK && nextOK {
				mergeSection(cur, next, key == "assistant")
				continue
			}
			doc[key] = jsonValue(val)
		}
	}
}

func mergeSection(dst, patch map[string]any, tokensSpecial bool) {
	for key, val := range patch {
		if tokensSpecial && key == "tokens" {
			cur, curOK := dst[key].(map[string]any)
			next, nextOK := jsonMap(val)
			if curOK && nextOK {
				for tk, tv := range next {
					cur[tk] = tv
				}
				continue
			}
		}
		dst[key] = val
	}
}

// mergePatch is the shallow merge used for session and part documents.
func mergePatch(doc, patch map[string]any) {
	for key, val := range patch {
		doc[key] = jsonValue(val)
	}
}

// jsonMap coerces a patch value to a JSON object, round-tripping typed
// structs through encoding/json so merges only ever walk plain maps.
func jsonMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

// jsonValue normalises a patch value to its JSON form so documents stay
// uniform regardless of whether callers patched with maps or structs.
func jsonValue(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
