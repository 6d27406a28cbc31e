package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentuse/agentuse/internal/agent/providers"
	"github.com/agentuse/agentuse/internal/agentfile"
	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/cron"
	"github.com/agentuse/agentuse/internal/subagent"
	"github.com/spf13/cobra"
)

// runValidate checks one document or every document under a directory.
func runValidate(cmd *cobra.Command, target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}

	var paths []string
	if info.IsDir() {
		paths, err = agentfile.Discover(target)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return fmt.Errorf("no %s documents under %s", agentfile.Extension, target)
		}
	} else {
		paths = []string{target}
	}

	out := cmd.OutOrStdout()
	failures := 0
	for _, path := range paths {
		problems, warnings := validateDocument(path)
		switch {
		case len(problems) > 0:
			failures++
			fmt.Fprintf(out, "FAIL %s\n", path)
			for _, p := range problems {
				fmt.Fprintf(out, "     - %s\n", p)
			}
		default:
			fmt.Fprintf(out, "ok   %s\n", path)
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "     ! %s\n", w)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d documents failed validation", failures, len(paths))
	}
	fmt.Fprintf(out, "%d document(s) validated\n", len(paths))
	return nil
}

// validateDocument returns the document's hard failures and its
// environment warnings.
func validateDocument(path string) (problems, warnings []string) {
	doc, err := agentfile.ParseFile(path)
	if err != nil {
		return []string{err.Error()}, nil
	}

	ref, err := providers.ParseRef(doc.Config.Model)
	switch {
	case err != nil:
		problems = append(problems, fmt.Sprintf("model: %v", err))
	case !providers.IsKnown(ref.Provider):
		problems = append(problems, fmt.Sprintf(
			"model: unknown provider %q (supported: %s)",
			ref.Provider, strings.Join(providers.Known(), ", ")))
	default:
		if _, ok := config.ResolveAPIKey(ref.Provider, ref.Suffix); !ok {
			// A suffix that resolves no credential may be a model variant
			// tag; the plain key covers it then.
			_, base := config.ResolveAPIKey(ref.Provider, "")
			if ref.Suffix == "" || !base {
				warnings = append(warnings, fmt.Sprintf(
					"credentials: %s not set, runs will fail",
					config.KeyVarName(ref.Provider, ref.Suffix)))
			}
		}
	}

	if doc.Config.Schedule != "" {
		if _, err := cron.Normalize(doc.Config.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("schedule: %v", err))
		}
	}

	for _, decl := range doc.Config.Subagents {
		resolved := subagent.ResolvePath(filepath.Dir(doc.Path), decl.Path)
		if _, err := os.Stat(resolved); err != nil {
			problems = append(problems, fmt.Sprintf("subagent %q: %v", decl.Path, err))
		}
	}

	return problems, warnings
}
