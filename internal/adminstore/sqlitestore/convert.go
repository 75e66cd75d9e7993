package sqlitestore

import (
	"encoding/json"
	"strings"
)

// splitCSV splits a comma-separated column value, trimming blanks — used for
// the small denormalized list columns (allowed_models, capabilities,
// sources) where a join table would be overkill for what is, in practice, a
// handful of entries per row.
func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseRedirects(jsonStr string) (map[string]string, error) {
	if strings.TrimSpace(jsonStr) == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return nil, err
	}
	return out, nil
}
