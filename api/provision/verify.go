package provision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HostFailure is one unreachable or failing host extracted from an
// ansible ping run.
type HostFailure struct {
	Host    string
	Message string
}

// ParsePingFailures walks line-oriented ansible output looking for the
// per-host FAILED!/UNREACHABLE! markers, then pulls the msg field out
// of the JSON error block that follows the marker. The check runs over
// many hosts in one invocation; partial failure is the common case,
// so each failing host gets its own entry rather than one opaque blob.
func ParsePingFailures(output string) []HostFailure {
	var failures []HostFailure
	lines := strings.Split(output, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		marker := -1
		if idx := strings.Index(line, "UNREACHABLE!"); idx >= 0 {
			marker = idx
		} else if idx := strings.Index(line, "FAILED!"); idx >= 0 {
			marker = idx
		}
		if marker < 0 {
			continue
		}

		host := strings.TrimSpace(strings.SplitN(line, "|", 2)[0])
		if host == "" {
			continue
		}

		// The error block starts at the => on the marker line and may
		// span the following lines.
		block := line
		if idx := strings.Index(line, "=>"); idx >= 0 {
			block = line[idx+2:]
		}
		for j := i + 1; j < len(lines); j++ {
			block += "\n" + lines[j]
			if strings.Contains(lines[j], "}") {
				break
			}
		}

		failures = append(failures, HostFailure{
			Host:    host,
			Message: extractMsg(block),
		})
	}
	return failures
}

func extractMsg(block string) string {
	start := strings.Index(block, "{")
	end := strings.LastIndex(block, "}")
	if start >= 0 && end > start {
		var parsed struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(block[start:end+1]), &parsed); err == nil && parsed.Msg != "" {
			return parsed.Msg
		}
	}
	return strings.TrimSpace(block)
}

// Summary renders one line per failing host.
func Summary(failures []HostFailure) string {
	var b strings.Builder
	for _, f := range failures {
		fmt.Fprintf(&b, "%s: %s\n", f.Host, f.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}
