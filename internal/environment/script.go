package environment

import "strings"

const (
	annotationPrefix = "// @"
	scriptsPrefix    = "// Scripts:"
)

// parsedScript is the header of an object script. Annotation lines are
// comments, so the script is evaluated unchanged.
type parsedScript struct {
	// Annotations holds the leading "// @name: value" lines.
	Annotations map[string]string
	// Dependencies lists the scripts named by a "// Scripts: a, b" line
	// directly after the annotations.
	Dependencies []string
}

func parseScript(source string) parsedScript {
	parsed := parsedScript{Annotations: make(map[string]string)}

	lines := strings.SplitAfter(source, "\n")
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r\n")
		if !strings.HasPrefix(line, annotationPrefix) {
			break
		}
		name, value, _ := strings.Cut(line[len(annotationPrefix):], ":")
		parsed.Annotations[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	if i < len(lines) && strings.HasPrefix(lines[i], scriptsPrefix) {
		deps := strings.TrimRight(lines[i][len(scriptsPrefix):], "\r\n")
		parsed.Dependencies = splitCommaSeparated(deps)
	}
	return parsed
}
