package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
)

// matchFilter applies a "column=eq.value" filter against an event's row.
// DELETE events are matched against the old row, everything else against the
// new row. An empty or unparsable filter matches everything: filtering is a
// delivery optimization, not an access control.
func matchFilter(filter string, ev ChangeEvent) bool {
	if filter == "" {
		return true
	}
	column, want, ok := parseFilter(filter)
	if !ok {
		return true
	}

	payload := ev.New
	if ev.Type == EventDelete {
		payload = ev.Old
	}
	if len(payload) == 0 {
		return false
	}

	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return false
	}
	value, exists := row[column]
	if !exists {
		return false
	}
	return fmt.Sprintf("%v", value) == want
}

// parseFilter splits "column=eq.value" into its parts.
func parseFilter(filter string) (column, value string, ok bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found {
		return "", "", false
	}
	value, found = strings.CutPrefix(rest, "eq.")
	if !found {
		return "", "", false
	}
	return column, value, column != ""
}
