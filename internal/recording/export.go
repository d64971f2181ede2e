package recording

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"livesession/pkg/types"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Export writes rec to w as JSON or YAML.
//
// TECHNICAL DISCOVERY: YAML goes through the JSON form so keys keep the wire
// names browsers use (sessionId, refTarget, ...) instead of yaml.v3's
// lowercased Go field names.
func Export(w io.Writer, rec *types.SessionRecording, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)

	case FormatYAML:
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal recording: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to convert recording: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()

	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
