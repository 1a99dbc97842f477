package installer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// MergePatch applies a JSON merge patch (RFC 7386) to doc and returns the
// indented result. An empty doc is treated as {}. Objects merge
// recursively, null deletes a key and any other value (arrays included)
// replaces the target.
func MergePatch(doc, patch []byte) ([]byte, error) {
	var target any = map[string]any{}
	if len(bytes.TrimSpace(doc)) > 0 {
		if err := json.Unmarshal(doc, &target); err != nil {
			return nil, fmt.Errorf("installer: settings file is not JSON: %w", err)
		}
	}
	var p any
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("installer: config patch is not JSON: %w", err)
	}

	out, err := json.MarshalIndent(mergeValue(target, p), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("installer: encode settings: %w", err)
	}
	return append(out, '\n'), nil
}

func mergeValue(target, patch any) any {
	pm, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	tm, ok := target.(map[string]any)
	if !ok {
		tm = map[string]any{}
	}
	for k, v := range pm {
		if v == nil {
			delete(tm, k)
			continue
		}
		tm[k] = mergeValue(tm[k], v)
	}
	return tm
}

// RevertPatch undoes patch on doc, where before is the document the patch
// was first applied to (empty when there was none). A key is reverted only
// while it still holds the value the patch wrote; the dotted paths of keys
// changed since are returned as conflicts and left untouched. When the
// result equals before, before is returned byte for byte.
func RevertPatch(doc, before, patch []byte) ([]byte, []string, error) {
	cur, err := decodeObject(doc, "settings file")
	if err != nil {
		return nil, nil, err
	}
	old, err := decodeObject(before, "settings snapshot")
	if err != nil {
		return nil, nil, err
	}
	var p any
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, nil, fmt.Errorf("installer: config patch is not JSON: %w", err)
	}
	pm, ok := p.(map[string]any)
	if !ok {
		return nil, nil, errors.New("installer: config patch is not a JSON object")
	}

	var conflicts []string
	revertObject(cur, old, pm, "", &conflicts)
	sort.Strings(conflicts)

	if len(bytes.TrimSpace(before)) > 0 && reflect.DeepEqual(cur, old) {
		return before, conflicts, nil
	}
	out, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("installer: encode settings: %w", err)
	}
	return append(out, '\n'), conflicts, nil
}

func decodeObject(b []byte, what string) (map[string]any, error) {
	m := map[string]any{}
	if len(bytes.TrimSpace(b)) == 0 {
		return m, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("installer: %s is not JSON: %w", what, err)
	}
	if obj, ok := v.(map[string]any); ok {
		return obj, nil
	}
	return m, nil
}

func revertObject(cur, old, patch map[string]any, prefix string, conflicts *[]string) {
	for k, pv := range patch {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		cv, inCur := cur[k]
		ov, inOld := old[k]

		if pm, ok := pv.(map[string]any); ok {
			cm, ok := cv.(map[string]any)
			if !ok {
				if inCur || inOld {
					*conflicts = append(*conflicts, key)
				}
				continue
			}
			om, oldIsObject := ov.(map[string]any)
			if !oldIsObject {
				om = map[string]any{}
			}
			revertObject(cm, om, pm, key, conflicts)
			if len(cm) == 0 {
				switch {
				case !inOld:
					delete(cur, k)
				case !oldIsObject:
					cur[k] = ov
				}
			}
			continue
		}

		if pv == nil {
			// The patch deleted k.
			switch {
			case !inOld:
				// Nothing to restore.
			case !inCur:
				cur[k] = ov
			default:
				*conflicts = append(*conflicts, key)
			}
			continue
		}
		if !inCur || !reflect.DeepEqual(cv, pv) {
			*conflicts = append(*conflicts, key)
			continue
		}
		if inOld {
			cur[k] = ov
		} else {
			delete(cur, k)
		}
	}
}
