package accelerometer

import (
	"sort"
	"strings"

	msg "github.com/LeonardoBeccarini/fall_detection/internal/model/messages"
)

const (
	pairSep  = ", "
	valueSep = ": "
)

// Parse decodes a {'key': 'value', ...} payload. Values stay strings and a
// duplicate key keeps its last value. Separators inside values are not escaped,
// so a value containing ", " cannot be represented.
func Parse(raw string) (msg.ParsedReading, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") || len(s) < 2 {
		return nil, &MalformedPayloadError{Payload: raw, Reason: "missing enclosing braces"}
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return nil, &MalformedPayloadError{Payload: raw, Reason: "empty payload"}
	}

	out := make(msg.ParsedReading)
	for _, pair := range strings.Split(body, pairSep) {
		kv := strings.SplitN(pair, valueSep, 2)
		if len(kv) < 2 {
			return nil, &MalformedPayloadError{Payload: raw, Reason: "missing key/value separator in " + strings.TrimSpace(pair)}
		}
		key, ok := unquote(kv[0])
		if !ok {
			return nil, &MalformedPayloadError{Payload: raw, Reason: "unbalanced quoting in key " + kv[0]}
		}
		if key == "" {
			return nil, &MalformedPayloadError{Payload: raw, Reason: "empty key"}
		}
		value, ok := unquote(kv[1])
		if !ok {
			return nil, &MalformedPayloadError{Payload: raw, Reason: "unbalanced quoting in value of " + key}
		}
		out[key] = value
	}
	return out, nil
}

// ParseBytes is Parse for a message body.
func ParseBytes(body []byte) (msg.ParsedReading, error) {
	return Parse(string(body))
}

// unquote strips one pair of surrounding single quotes.
func unquote(tok string) (string, bool) {
	tok = strings.TrimSpace(tok)
	opens := strings.HasPrefix(tok, "'")
	closes := len(tok) >= 2 && strings.HasSuffix(tok, "'")
	switch {
	case opens && closes:
		return tok[1 : len(tok)-1], true
	case opens || strings.HasSuffix(tok, "'"):
		return "", false
	default:
		return tok, true
	}
}

// Format renders fields in the payload format accepted by Parse, keys sorted.
func Format(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(pairSep)
		}
		b.WriteString("'" + k + "'" + valueSep + "'" + fields[k] + "'")
	}
	b.WriteByte('}')
	return b.String()
}
