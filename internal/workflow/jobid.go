package workflow

import (
	"encoding/json"
	"strconv"
	"strings"
)

// IDPath is one lookup strategy for the job identifier in a submission response.
type IDPath []string

func (p IDPath) String() string { return strings.Join(p, ".") }

// IDPaths are tried in order; the first present value wins. Engine versions
// differ in whether the id sits at the top level or under data.
var IDPaths = []IDPath{
	{"project_id"},
	{"id"},
	{"data", "project_id"},
	{"data", "id"},
}

// ExtractJobID returns the job identifier from a submission response body.
func ExtractJobID(body []byte) (string, bool) {
	return ExtractJobIDWith(body, IDPaths)
}

// ExtractJobIDWith applies the given lookup strategies in order.
func ExtractJobIDWith(body []byte, paths []IDPath) (string, bool) {
	var root map[string]any
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return "", false
	}
	for _, path := range paths {
		if id, ok := lookup(root, path); ok {
			return id, true
		}
	}
	return "", false
}

func lookup(node map[string]any, path IDPath) (string, bool) {
	var cur any = node
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
