package latex

import (
	"path"
	"regexp"
	"strings"

	"github.com/toricodesthings/manuscript-review-service/internal/archive"
	"github.com/toricodesthings/manuscript-review-service/internal/types"
)

var includeRe = regexp.MustCompile(`\\(?:input|include)\s*\{([^}]+)\}`)

// assemble reads the entry file and splices in the files it includes. Only
// the entry file itself is scanned: includes inside included files are left
// as written.
func assemble(p *archive.Project, entry string, doc *types.ExtractDocument) (string, error) {
	src, err := readProjectFile(p, entry)
	if err != nil {
		return "", err
	}
	baseDir := path.Dir(entry)

	lines := strings.Split(src, "\n")
	for i, line := range lines {
		code, comment := line, ""
		if idx := commentIndex(line); idx >= 0 {
			code, comment = line[:idx], line[idx:]
		}
		if !strings.Contains(code, `\in`) {
			continue
		}
		code = includeRe.ReplaceAllStringFunc(code, func(m string) string {
			target := strings.TrimSpace(includeRe.FindStringSubmatch(m)[1])
			body, ok := resolveInclude(p, baseDir, target)
			if !ok {
				doc.Warn("unresolved include %q", target)
				return ""
			}
			return "\n" + body + "\n"
		})
		lines[i] = code + comment
	}
	return strings.Join(lines, "\n"), nil
}

func resolveInclude(p *archive.Project, baseDir, target string) (string, bool) {
	if target == "" {
		return "", false
	}
	if path.Ext(target) == "" {
		target += ".tex"
	}
	tries := []string{target}
	if baseDir != "." && baseDir != "" {
		tries = []string{path.Join(baseDir, target), target}
	}
	for _, rel := range tries {
		body, err := readProjectFile(p, rel)
		if err == nil {
			return body, true
		}
	}
	return "", false
}

func commentIndex(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != '%' {
			continue
		}
		n := 0
		for j := i - 1; j >= 0 && line[j] == '\\'; j-- {
			n++
		}
		if n%2 == 0 {
			return i
		}
	}
	return -1
}
