package firehose

import "strings"

// Element is one parsed `<tag attr="value" .../>` token from a
// Firehose frame. Per spec.md §4.3, parsing is permissive: unquoted
// values are accepted, attribute order is free, and unknown
// attributes are simply carried in Attrs without validation.
type Element struct {
	Tag   string
	Attrs map[string]string
}

// tokenizeElements scans frame for every `<tag .../>` self-closing
// element it contains (log and response frames are always
// self-closing in Firehose), in document order. Non-element bytes
// (the `<?xml?>`/`<data>`/`</data>` wrapper) are ignored.
func tokenizeElements(frame []byte) []Element {
	s := string(frame)
	var out []Element
	i := 0
	for {
		start := strings.IndexByte(s[i:], '<')
		if start < 0 {
			break
		}
		start += i
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			break
		}
		end += start
		body := s[start+1 : end]
		i = end + 1

		body = strings.TrimSpace(body)
		if !strings.HasSuffix(body, "/") {
			continue
		}
		body = strings.TrimSpace(strings.TrimSuffix(body, "/"))
		if body == "" || body[0] == '?' || body[0] == '/' {
			continue
		}

		tag, attrs := parseTagBody(body)
		if tag == "" {
			continue
		}
		out = append(out, Element{Tag: tag, Attrs: attrs})
	}
	return out
}

func parseTagBody(body string) (string, map[string]string) {
	fields := splitTagFields(body)
	if len(fields) == 0 {
		return "", nil
	}
	tag := fields[0]
	attrs := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		eq := strings.IndexByte(f, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(f[:eq])
		val := strings.TrimSpace(f[eq+1:])
		val = strings.Trim(val, `"'`)
		if key != "" {
			attrs[key] = val
		}
	}
	return tag, attrs
}

// splitTagFields splits "tag attr1=\"a b\" attr2=c" into
// ["tag", "attr1=\"a b\"", "attr2=c"], respecting quoted values that
// may themselves contain spaces.
func splitTagFields(body string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuote != 0:
			cur.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// buildElement renders a self-closing element the way the device
// expects it, wrapped in the `<?xml?><data>...</data>` envelope by
// the caller.
func buildElement(tag string, attrs [][2]string) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(tag)
	for _, kv := range attrs {
		b.WriteByte(' ')
		b.WriteString(kv[0])
		b.WriteString(`="`)
		b.WriteString(kv[1])
		b.WriteByte('"')
	}
	b.WriteString("/>")
	return b.String()
}

func wrapData(inner string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8" ?><data>` + inner + `</data>`)
}
