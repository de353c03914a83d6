package flashplan

import "strings"

// element is one `<tag attr="value" .../>` token out of a
// rawprogram*.xml or patch*.xml file. Firmware descriptor XML is the
// same small, well-formed subset Firehose frames use, so this parser
// follows the same byte-level-tokenizer approach rather than pulling
// in a schema-validated XML library (spec.md §9).
type element struct {
	tag   string
	attrs map[string]string
}

func tokenizeElements(doc []byte) []element {
	s := string(doc)
	var out []element
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

		body = strings.TrimSuffix(strings.TrimSpace(body), "/")
		body = strings.TrimSpace(body)
		if body == "" || body[0] == '?' || body[0] == '/' || body[0] == '!' {
			continue
		}

		tag, attrs := parseTagBody(body)
		if tag == "" {
			continue
		}
		out = append(out, element{tag: tag, attrs: attrs})
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
