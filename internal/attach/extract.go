package attach

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// registerBuiltin installs the glue extractors this service carries itself.
// Richer formats (PDF, spreadsheets) are external collaborators plugged in
// through Register; without one they surface as unsupported.
func registerBuiltin(n *Normalizer) {
	for _, ext := range []string{".txt", ".md", ".py", ".r", ".cpp", ".java", ".csv"} {
		n.Register(ext, extractText)
	}
	n.Register(".json", extractJSON)
}

// extractText passes file bytes through as UTF-8 text, dropping invalid
// sequences rather than failing.
func extractText(name string, data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// extractJSON re-indents a JSON document for readability. Invalid JSON is
// an extraction error, degraded inline by the normalizer.
func extractJSON(name string, data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	return buf.String(), nil
}
