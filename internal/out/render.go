package out

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ggonzalez94/routex/internal/config"
	"github.com/ggonzalez94/routex/internal/model"
)

// Render writes env in the configured output mode. --select projects data
// fields, including dotted paths such as "route.id".
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "plain" {
			return renderPlain(w, data)
		}
		return writeJSON(w, data)
	}

	if settings.OutputMode != "plain" {
		env.Data = data
		return writeJSON(w, env)
	}

	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlain(w io.Writer, data any) error {
	switch t := normalizeValue(data).(type) {
	case nil:
		_, err := fmt.Fprintln(w, "null")
		return err
	case []any:
		if len(t) == 0 {
			_, err := fmt.Fprintln(w, "[]")
			return err
		}
		for _, item := range t {
			if _, err := fmt.Fprintln(w, toLine(item)); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintln(w, toLine(t))
		return err
	}
}

func project(data any, fields []string) any {
	switch t := normalizeValue(data).(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return t
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return v
	}
	return out
}

// toLine renders one record as sorted key=value pairs with nested values
// flattened to dotted keys.
func toLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		buf, _ := json.Marshal(v)
		return string(buf)
	}
	flat := map[string]string{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, " ")
}

func flatten(prefix string, v any, into map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			into[prefix] = "{}"
		}
		for k, child := range t {
			flatten(join(k), child, into)
		}
	case []any:
		if len(t) == 0 {
			into[prefix] = "[]"
		}
		for i, child := range t {
			flatten(join(strconv.Itoa(i)), child, into)
		}
	case nil:
		into[prefix] = "null"
	case string:
		into[prefix] = t
	default:
		into[prefix] = fmt.Sprint(t)
	}
}
