// Package skill discovers and loads skill documents: directories
// holding a SKILL.md with YAML frontmatter, found under the project's
// skills/ directory and the user's ~/.agentuse/skills/.
package skill

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Filename is the document every skill directory must contain.
	Filename = "SKILL.md"

	delimiter = "---"
)

// Entry is one discovered skill.
type Entry struct {
	// Name identifies the skill: lowercase alphanumerics and hyphens.
	Name string `yaml:"name" json:"name"`

	// Description says what the skill does and when to use it.
	Description string `yaml:"description" json:"description"`

	// Content is the markdown body with instructions.
	Content string `yaml:"-" json:"-"`

	// Dir is the directory the skill was found in.
	Dir string `yaml:"-" json:"-"`
}

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes SKILL.md content. The frontmatter must carry a name and
// a description; the rest of the document becomes the entry's content.
func Parse(data []byte, dir string) (*Entry, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := yaml.Unmarshal([]byte(frontmatter), &entry); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if entry.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	for _, r := range entry.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return nil, fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: %q", entry.Name)
		}
	}
	if entry.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	entry.Content = strings.TrimSpace(body)
	entry.Dir = dir
	return &entry, nil
}

// splitFrontmatter separates the YAML header between the first pair of
// --- lines from the markdown body after it.
func splitFrontmatter(data []byte) (string, string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != delimiter {
		return "", "", fmt.Errorf("missing opening frontmatter delimiter")
	}

	var header []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == delimiter {
			closed = true
			break
		}
		header = append(header, line)
	}
	if !closed {
		return "", "", fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("scan skill document: %w", err)
	}
	return strings.Join(header, "\n"), strings.Join(body, "\n"), nil
}

// ExpandBaseDir substitutes {baseDir} placeholders in skill content, so
// instructions can point at files the skill ships with.
func ExpandBaseDir(content, dir string) string {
	return strings.ReplaceAll(content, "{baseDir}", dir)
}

// Index finds skills under a fixed set of roots. Later roots win name
// conflicts, so project skills override personal ones.
type Index struct {
	Roots  []string
	Logger *slog.Logger
}

// DefaultRoots returns the user skill directory followed by the
// project's, in override order.
func DefaultRoots(projectRoot string) []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".agentuse", "skills"))
	}
	return append(roots, filepath.Join(projectRoot, "skills"))
}

// Discover walks the roots and returns the visible skills sorted by
// name. Directories without a SKILL.md are ignored; unparseable skills
// are logged and skipped rather than failing the scan.
func (ix Index) Discover() []*Entry {
	logger := ix.Logger
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]*Entry)
	for _, root := range ix.Roots {
		dirEntries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, de := range dirEntries {
			if !de.IsDir() {
				continue
			}
			path := filepath.Join(root, de.Name(), Filename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			entry, err := ParseFile(path)
			if err != nil {
				logger.Warn("skipping unparseable skill", "path", path, "error", err)
				continue
			}
			byName[entry.Name] = entry
		}
	}

	out := make([]*Entry, 0, len(byName))
	for _, entry := range byName {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
