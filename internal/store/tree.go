package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// mutation is the backend-neutral form of a write. Every path in clear has
// its subtree and any ancestor leaf removed before set is applied.
type mutation struct {
	clear []string
	set   map[string]json.RawMessage
}

func planWrite(path string, doc any) (mutation, error) {
	if err := ValidatePath(path); err != nil {
		return mutation{}, err
	}
	leaves := make(map[string]json.RawMessage)
	if err := flatten(path, doc, leaves); err != nil {
		return mutation{}, err
	}
	return mutation{clear: []string{path}, set: leaves}, nil
}

func planUpdate(path string, fields map[string]any) (mutation, error) {
	if err := ValidatePath(path); err != nil {
		return mutation{}, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := mutation{set: make(map[string]json.RawMessage)}
	for _, k := range keys {
		target := Join(path, k)
		if err := ValidatePath(target); err != nil {
			return mutation{}, err
		}
		m.clear = append(m.clear, target)
		if err := flatten(target, fields[k], m.set); err != nil {
			return mutation{}, err
		}
	}
	return m, nil
}

func planDelete(path string) (mutation, error) {
	if err := ValidatePath(path); err != nil {
		return mutation{}, err
	}
	return mutation{clear: []string{path}}, nil
}

// flatten encodes doc and records one leaf per non-object value below path.
func flatten(path string, doc any, out map[string]json.RawMessage) error {
	if doc == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return walk(path, node, out)
}

func walk(path string, node any, out map[string]json.RawMessage) error {
	switch n := node.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range n {
			if !segmentRe.MatchString(k) {
				return fmt.Errorf("%w: key %q under %s", ErrInvalidPath, k, path)
			}
			if err := walk(path+"/"+k, child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		out[path] = b
		return nil
	}
}

// expand rebuilds the document rooted at path from its leaves.
func expand(path string, leaves map[string]json.RawMessage) (json.RawMessage, error) {
	if len(leaves) == 0 {
		return nil, ErrNotFound
	}
	if v, ok := leaves[path]; ok && len(leaves) == 1 {
		return v, nil
	}

	root := make(map[string]any)
	prefix := path + "/"
	for p, v := range leaves {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		segs := strings.Split(strings.TrimPrefix(p, prefix), "/")
		node := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[seg] = child
			}
			node = child
		}
		last := segs[len(segs)-1]
		if _, isObj := node[last].(map[string]any); !isObj {
			node[last] = v
		}
	}
	return json.Marshal(root)
}

// ancestors returns the strict prefixes of path, shortest first.
func ancestors(path string) []string {
	var out []string
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}

// inSubtree reports whether p is root or below it.
func inSubtree(p, root string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
