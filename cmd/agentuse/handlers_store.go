package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agentuse/agentuse/internal/project"
	"github.com/agentuse/agentuse/internal/store"
	"github.com/spf13/cobra"
)

// openStore opens the named store for the project containing the
// working directory. The caller must release the lock.
func openStore(name string) (*store.Store, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	proj := project.Find(cwd)
	return store.Open(proj.Root, name, "cli"), nil
}

// runStoreList prints a filtered listing of a store's items.
func runStoreList(cmd *cobra.Command, name, itemType, status, tag string, limit int) error {
	st, err := openStore(name)
	if err != nil {
		return err
	}
	defer st.ReleaseLock()

	items, err := st.List(store.ListFilter{
		Type:   itemType,
		Status: status,
		Tag:    tag,
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Store %q has no matching items.\n", name)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tTITLE\tUPDATED")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.Type, item.Status, item.Title,
			time.UnixMilli(item.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}

// runStoreGet prints one item as indented JSON.
func runStoreGet(cmd *cobra.Command, name, id string) error {
	st, err := openStore(name)
	if err != nil {
		return err
	}
	defer st.ReleaseLock()

	item, err := st.Get(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
