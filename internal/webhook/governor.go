package webhook

import (
	"encoding/json"
	"strings"
)

// strippedMarker replaces base64 attachment bodies in the raw MIME when
// the payload exceeds the size ceiling. Receivers fetch the real content
// through the Attachments API.
const strippedMarker = "[binary attachment data removed - use Attachments API]"

// Govern serializes the payload and, when it exceeds maxBytes, strips
// content in a fixed order until it fits: attachment bodies out of the
// raw MIME first, then parsedData.headers. cleanedContent keeps its
// header map. The returned field list records what was removed; the
// bytes returned are exactly what goes on the wire and what gets
// signed.
func Govern(p *Payload, maxBytes int) ([]byte, []string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	if len(body) <= maxBytes {
		return body, nil, nil
	}

	var stripped []string

	p.Email.ParsedData.Raw = stripBase64Segments(p.Email.ParsedData.Raw)
	stripped = append(stripped, "raw (attachment bodies removed)")
	body, err = json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	if len(body) <= maxBytes {
		return body, stripped, nil
	}

	p.Email.ParsedData.Headers = map[string]string{}
	stripped = append(stripped, "headers")
	body, err = json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	return body, stripped, nil
}

// stripBase64Segments walks the raw MIME line by line and replaces the
// body of every part declaring Content-Transfer-Encoding: base64 with
// the marker. Boundaries and part headers stay intact.
func stripBase64Segments(raw string) string {
	if raw == "" {
		return raw
	}
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))

	inHeaders := true
	isBase64 := false
	replaced := false

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")

		if strings.HasPrefix(trimmed, "--") {
			out = append(out, line)
			inHeaders = true
			isBase64 = false
			replaced = false
			continue
		}

		if inHeaders {
			out = append(out, line)
			if trimmed == "" {
				inHeaders = false
				continue
			}
			lower := strings.ToLower(trimmed)
			if strings.HasPrefix(lower, "content-transfer-encoding:") && strings.Contains(lower, "base64") {
				isBase64 = true
			}
			continue
		}

		if isBase64 {
			if !replaced {
				out = append(out, strippedMarker)
				replaced = true
			}
			continue
		}

		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
