// Package transform rewrites parsed JSON request bodies before they are
// forwarded: field removal by JSON Pointer, default filling, forced
// overrides and default system/developer message injection.
//
// Bodies are the map[string]any / []any trees produced by encoding/json.
// Every function mutates the body in place and never keeps a reference to
// the rule values it copies in.
package transform

import "strings"

// Rules is the merged rule set for one request.
type Rules struct {
	Deny             []string
	Defaults         map[string]any
	Overrides        map[string]any
	SystemMessage    string
	DeveloperMessage string
}

// Apply runs deny, defaults, overrides and the message upsert in that order.
func Apply(body map[string]any, r Rules) {
	ApplyDeny(body, r.Deny)
	ApplyDefaults(body, r.Defaults)
	ApplyOverrides(body, r.Overrides)
	UpsertRoleMessages(body, r.SystemMessage, r.DeveloperMessage)
}

// ApplyDeny removes the object field addressed by each pointer. A pointer
// whose parent does not exist, or runs through a non-object, is ignored.
// Array elements are never removed.
func ApplyDeny(body map[string]any, pointers []string) {
	for _, p := range pointers {
		tokens := splitPointer(p)
		if len(tokens) == 0 {
			continue
		}
		parent := body
		ok := true
		for _, t := range tokens[:len(tokens)-1] {
			next, isObj := parent[t].(map[string]any)
			if !isObj {
				ok = false
				break
			}
			parent = next
		}
		if ok {
			delete(parent, tokens[len(tokens)-1])
		}
	}
}

// splitPointer decodes a JSON Pointer into its reference tokens. "" and "/"
// address nothing removable and yield no tokens.
func splitPointer(p string) []string {
	if !strings.HasPrefix(p, "/") || p == "/" {
		return nil
	}
	parts := strings.Split(p[1:], "/")
	for i, t := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(t, "~1", "/"), "~0", "~")
	}
	return parts
}

// ApplyDefaults fills fields that are absent or null in body. When both
// sides hold objects it recurses instead of replacing; arrays are taken
// whole and only when the field is missing.
func ApplyDefaults(body, defaults map[string]any) {
	for k, dv := range defaults {
		cur, present := body[k]
		if !present || cur == nil {
			body[k] = DeepCopy(dv)
			continue
		}
		curObj, ok1 := cur.(map[string]any)
		defObj, ok2 := dv.(map[string]any)
		if ok1 && ok2 {
			ApplyDefaults(curObj, defObj)
		}
	}
}

// ApplyOverrides force-sets every field of overrides into body, recursing
// where both sides are objects.
func ApplyOverrides(body, overrides map[string]any) {
	for k, ov := range overrides {
		curObj, ok1 := body[k].(map[string]any)
		ovObj, ok2 := ov.(map[string]any)
		if ok1 && ok2 {
			ApplyOverrides(curObj, ovObj)
			continue
		}
		body[k] = DeepCopy(ov)
	}
}

// UpsertRoleMessages inserts default system and developer messages into
// body["messages"] when no message of that role exists. The system message
// goes first; the developer message goes right after the first system
// message, or first when there is none.
func UpsertRoleMessages(body map[string]any, systemText, developerText string) {
	if systemText == "" && developerText == "" {
		return
	}
	msgs, ok := body["messages"].([]any)
	if !ok {
		return
	}

	systemIdx := -1
	hasDeveloper := false
	for i, m := range msgs {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch obj["role"] {
		case "system":
			if systemIdx < 0 {
				systemIdx = i
			}
		case "developer":
			hasDeveloper = true
		}
	}

	if systemText != "" && systemIdx < 0 {
		msgs = insert(msgs, 0, message("system", systemText))
		systemIdx = 0
	}
	if developerText != "" && !hasDeveloper {
		msgs = insert(msgs, systemIdx+1, message("developer", developerText))
	}
	body["messages"] = msgs
}

func message(role, content string) map[string]any {
	return map[string]any{"role": role, "content": content}
}

func insert(s []any, i int, v any) []any {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// DeepCopy copies a JSON tree so the result shares no maps or slices with v.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return t
	}
}

// CopyObject is DeepCopy for the common object case.
func CopyObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}
