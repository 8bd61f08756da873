package fileops

import (
	"strings"
	"time"
)

// BuildSearchCommand assembles the single grep invocation for a search:
// recursive, binary-skipping, line-numbered, with optional case folding
// and repeated include/exclude-dir filters.
func BuildSearchCommand(req SearchRequest) string {
	parts := []string{"grep", "-RInI"}
	if req.CaseInsensitive {
		parts = append(parts, "-i")
	}
	for _, d := range req.ExcludeDirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		parts = append(parts, "--exclude-dir="+d)
	}
	for _, g := range req.IncludeGlobs {
		g = strings.TrimSpace(g)
		if g == "" || g == "*" {
			continue
		}
		parts = append(parts, "--include="+g)
	}
	parts = append(parts, "-e", req.Pattern, req.Root)

	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}

// Search runs the grep on the guest and groups the <file>:<line>:<text>
// output by file, capped at MaxResultsTotal matches.
func Search(ex Execer, req SearchRequest) ([]SearchHit, error) {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	stdout, _, _, err := ex.Exec(BuildSearchCommand(req), timeout)
	if err != nil {
		return nil, err
	}
	// grep exits 1 on no matches; that is an empty result, not a failure.
	return ParseSearchOutput(string(stdout), req.MaxResultsTotal), nil
}

// ParseSearchOutput parses grep output lines into per-file hit groups.
func ParseSearchOutput(out string, maxTotal int) []SearchHit {
	grouped := make(map[string][]string)
	var order []string
	total := 0

	for _, raw := range strings.Split(out, "\n") {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) < 3 {
			continue
		}
		file, lineNum, content := parts[0], parts[1], parts[2]
		if _, seen := grouped[file]; !seen {
			order = append(order, file)
		}
		grouped[file] = append(grouped[file], "L"+lineNum+": "+content)

		total++
		if maxTotal > 0 && total >= maxTotal {
			break
		}
	}

	hits := make([]SearchHit, 0, len(order))
	for _, file := range order {
		hits = append(hits, SearchHit{Path: file, Matches: grouped[file]})
	}
	return hits
}
