package shell

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Shapes an executable token may or may not take.
var (
	metachars    = regexp.MustCompile("[;&|`$<>]")
	controlChars = regexp.MustCompile(`[\r\n]`)
	quoteChars   = regexp.MustCompile(`["']`)
	bareName     = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
	driveLetter  = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// looksLikePath reports whether the token is a path rather than a bare
// executable name.
func looksLikePath(token string) bool {
	if token == "" {
		return false
	}
	if strings.HasPrefix(token, ".") || strings.HasPrefix(token, "~") {
		return true
	}
	if strings.ContainsAny(token, `/\`) {
		return true
	}
	return driveLetter.MatchString(token)
}

// CheckExecutable validates that a single executable token is safe to
// hand to the shell: no injection or quote characters, and either a
// path or a plain name that does not start with a dash.
func CheckExecutable(token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return fmt.Errorf("executable is empty")
	}
	if strings.Contains(trimmed, "\x00") || controlChars.MatchString(trimmed) {
		return fmt.Errorf("executable %q contains control characters", trimmed)
	}
	if metachars.MatchString(trimmed) {
		return fmt.Errorf("executable %q contains shell metacharacters", trimmed)
	}
	if quoteChars.MatchString(trimmed) {
		return fmt.Errorf("executable %q contains quote characters", trimmed)
	}
	if looksLikePath(trimmed) {
		return nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return fmt.Errorf("executable %q starts with a dash", trimmed)
	}
	if !bareName.MatchString(trimmed) {
		return fmt.Errorf("executable %q contains invalid characters", trimmed)
	}
	return nil
}

// CheckCommand validates a command's executable, the first
// whitespace-separated token, against the shape rules and the optional
// allow list. Allow list entries match the token itself or its base
// name, so /bin/ls satisfies an entry of ls.
func CheckCommand(command string, allow []string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("command is empty")
	}
	token := fields[0]
	if err := CheckExecutable(token); err != nil {
		return err
	}
	if len(allow) == 0 {
		return nil
	}
	base := filepath.Base(token)
	for _, name := range allow {
		if token == name || base == name {
			return nil
		}
	}
	return fmt.Errorf("executable %q is not allowed; permitted: %s", token, strings.Join(allow, ", "))
}
