package sandbox

import (
	"encoding/base64"
	"strings"
)

const redacted = "[REDACTED]"

// scrubOutput removes known secret material from a driver result before
// it is handed back. Both the raw secret and its base64 form are
// scrubbed; drivers echo cookies and tokens in either shape.
func scrubOutput(output map[string]any, secretBytes []byte) map[string]any {
	if output == nil {
		return nil
	}
	needles := scrubNeedles(secretBytes)
	if len(needles) == 0 {
		return output
	}
	scrubbed, _ := scrubValue(output, needles).(map[string]any)
	return scrubbed
}

func scrubNeedles(secretBytes []byte) []string {
	var needles []string
	if len(secretBytes) > 0 {
		needles = append(needles, string(secretBytes))
		needles = append(needles, base64.StdEncoding.EncodeToString(secretBytes))
	}
	return needles
}

func scrubValue(value any, needles []string) any {
	switch v := value.(type) {
	case string:
		for _, needle := range needles {
			if needle != "" {
				v = strings.ReplaceAll(v, needle, redacted)
			}
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = scrubValue(inner, needles)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = scrubValue(inner, needles)
		}
		return out
	default:
		return v
	}
}
