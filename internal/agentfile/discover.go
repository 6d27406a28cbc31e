package agentfile

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs are never descended into during discovery.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".agentuse":    true,
}

// Discover walks root and returns every .agentuse file, sorted. Hidden
// and dependency directories are skipped.
func Discover(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), Extension) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

// AgentID derives the stable identifier used to key sessions and stores:
// the file path relative to the project root with the extension stripped.
// When the path is unknown or outside the project, the agent name stands
// in.
func AgentID(agent *Agent, projectRoot string) string {
	if agent.Path == "" {
		return agent.Name
	}
	rel, err := filepath.Rel(projectRoot, agent.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return agent.Name
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), Extension)
}
