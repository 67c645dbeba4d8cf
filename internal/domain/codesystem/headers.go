package codesystem

import (
	"fmt"
	"strings"
)

// ParseHeaders parses the semicolon separated "key=value" list used by the
// Headers setting. Values may themselves contain '='.
func ParseHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("header %q: missing '='", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("header %q: empty name", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}
