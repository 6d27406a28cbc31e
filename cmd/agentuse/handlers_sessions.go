package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentuse/agentuse/internal/config"
	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/session"
	"github.com/agentuse/agentuse/internal/storage"
	"github.com/spf13/cobra"
)

// projectJournal opens the session journal for the project containing
// the working directory.
func projectJournal() (*session.Journal, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	proj := project.Find(cwd)
	root, err := storage.Root(config.FromEnv().DataHome)
	if err != nil {
		return nil, err
	}
	return session.NewJournal(session.BaseDir(root, proj.Root)), nil
}

// runSessionsList prints the project's sessions, newest first.
func runSessionsList(cmd *cobra.Command, limit int) error {
	journal, err := projectJournal()
	if err != nil {
		return err
	}
	sessions, err := journal.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded for this project.")
		return nil
	}
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tMODEL\tCREATED")
	for _, s := range sessions {
		status := string(s.Status)
		if s.Error != nil {
			status = fmt.Sprintf("%s (%s)", s.Status, s.Error.Code)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Agent.Name, status, s.Model,
			time.UnixMilli(s.Time.Created).Format(time.RFC3339))
	}
	return w.Flush()
}

// runSessionsShow renders one session: header, task, streamed text and
// tool activity in journal order.
func runSessionsShow(cmd *cobra.Command, sid string) error {
	journal, err := projectJournal()
	if err != nil {
		return err
	}
	sess, err := journal.GetSession(sid)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session  %s\n", sess.ID)
	fmt.Fprintf(out, "Agent    %s\n", sess.Agent.Name)
	fmt.Fprintf(out, "Model    %s\n", sess.Model)
	fmt.Fprintf(out, "Status   %s\n", sess.Status)
	if sess.Error != nil {
		fmt.Fprintf(out, "Error    [%s] %s\n", sess.Error.Code, sess.Error.Message)
	}
	fmt.Fprintf(out, "Created  %s\n", time.UnixMilli(sess.Time.Created).Format(time.RFC3339))
	if sess.ParentSessionID != "" {
		fmt.Fprintf(out, "Parent   %s\n", sess.ParentSessionID)
	}

	messages, err := journal.ListMessages(sid)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.User != nil {
			fmt.Fprintf(out, "\n> %s\n", msg.User.Prompt.Task)
		}
		parts, err := journal.ListParts(sid, msg.ID)
		if err != nil {
			return err
		}
		for _, p := range parts {
			renderPart(out, p)
		}
	}
	return nil
}

// renderPart writes one journal part in a compact single-line or block
// form depending on its type.
func renderPart(out io.Writer, p *session.Part) {
	switch p.Type {
	case session.PartText:
		text := strings.TrimSpace(p.Text)
		if text != "" {
			fmt.Fprintf(out, "\n%s\n", text)
		}
	case session.PartReasoning:
		fmt.Fprintf(out, "  [reasoning: %d chars]\n", len(p.Text))
	case session.PartTool:
		status := "pending"
		if p.State != nil {
			status = p.State.Status
		}
		fmt.Fprintf(out, "  tool %-28s %s\n", p.Tool, status)
	case session.PartStepFinish:
		if p.Tokens != nil {
			fmt.Fprintf(out, "  step finished: %d in / %d out tokens\n",
				p.Tokens.Input, p.Tokens.Output)
		}
	}
}
