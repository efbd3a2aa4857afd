package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxSummaryLen = 160

// FormatDisplaySummary renders a one-line description of a tool
// request for approval prompts. The result is safe to show in a UI
// but must not be written to logs; log sites record its length only.
func FormatDisplaySummary(req *Request) string {
	var s string
	switch req.Tool {
	case "bash":
		s = "Run: " + req.CommandOf()
	case "read", "write", "edit":
		s = fmt.Sprintf("%s %s", title(req.Tool), req.PathOf())
	case "fetch":
		var in struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(req.Input, &in); err == nil && in.URL != "" {
			s = "Fetch " + in.URL
		} else {
			s = "Fetch URL"
		}
	default:
		if p := req.PathOf(); p != "" {
			s = fmt.Sprintf("%s: %s", req.Tool, p)
		} else {
			s = req.Tool
		}
	}

	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen-1] + "…"
	}
	return s
}

func title(tool string) string {
	if tool == "" {
		return tool
	}
	return strings.ToUpper(tool[:1]) + tool[1:]
}
