package operators

import (
	"os/exec"
	"sort"
	"strings"
)

// ToolStatus represents the availability of an external command.
type ToolStatus struct {
	Name      string
	Command   string
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies that the first element of argv is on PATH and, when
// versionArgs is non-empty, asks it for a version string.
func CheckTool(name string, argv []string, versionArgs ...string) ToolStatus {
	st := ToolStatus{Name: name}
	if len(argv) == 0 {
		st.Error = ErrUnavailable
		return st
	}
	st.Command = argv[0]
	path, err := exec.LookPath(argv[0])
	if err != nil {
		st.Error = err
		return st
	}
	st.Path = path
	st.Available = true
	if len(versionArgs) == 0 {
		return st
	}
	output, err := exec.Command(path, versionArgs...).CombinedOutput()
	// Several tools print their banner and exit non-zero.
	if len(output) > 0 {
		st.Version = extractVersion(string(output))
	} else if err != nil {
		st.Version = "unknown"
	}
	return st
}

// CheckTools checks every configured command, sorted by name.
func CheckTools(commands map[string][]string) []ToolStatus {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]ToolStatus, 0, len(names))
	for _, n := range names {
		out = append(out, CheckTool(n, commands[n], "--version"))
	}
	return out
}

// extractVersion picks the first line mentioning a version.
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
