package recordapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"rollcall/pkg/platform/sentinel"
)

// duplicateMarkers are the body fragments the record API uses when an entry
// was rejected because it is already recorded. Only a conflict carrying one
// of these is safe to treat as success; any other 409 is a real collision.
var duplicateMarkers = []string{"already_recorded", "duplicate"}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classifyConflict decides whether a 409 response body marks a benign
// duplicate or a genuine conflict.
func classifyConflict(body []byte) error {
	text := string(body)
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		text = parsed.Error + " " + parsed.Message
	}
	lowered := strings.ToLower(text)
	for _, marker := range duplicateMarkers {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("record API conflict: %w", sentinel.ErrConflict)
		}
	}
	return fmt.Errorf("record API rejected write: %s", strings.TrimSpace(text))
}
