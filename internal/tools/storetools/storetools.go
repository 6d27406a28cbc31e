// Package storetools exposes an agent's persistent store as the
// store_create, store_get, store_update, store_delete and store_list
// builtins.
package storetools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentuse/agentuse/internal/agent"
	"github.com/agentuse/agentuse/internal/store"
)

// BuildTools returns the five store builtins bound to s.
func BuildTools(s *store.Store) []agent.Tool {
	return []agent.Tool{
		&createTool{store: s},
		&getTool{store: s},
		&updateTool{store: s},
		&deleteTool{store: s},
		&listTool{store: s},
	}
}

// opError maps store failures onto tool results. A missing item is a
// correctable failure the model sees; lock and corruption problems keep
// their run error codes.
func opError(op string, err error) (*agent.ToolResult, error) {
	var locked *store.LockedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return toolError("item not found"), nil
	case errors.As(err, &locked):
		return nil, agent.NewRunError(agent.CodeStoreLocked, locked.Error()).WithCause(err)
	case errors.Is(err, store.ErrCorrupt):
		return nil, agent.NewRunError(agent.CodeStoreCorrupt, err.Error()).WithCause(err)
	default:
		return toolError(fmt.Sprintf("%s: %v", op, err)), nil
	}
}

func itemResult(item *store.Item) (*agent.ToolResult, error) {
	payload, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode item: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

type createTool struct {
	store *store.Store
}

func (t *createTool) Name() string { return "store_create" }

func (t *createTool) Description() string {
	return fmt.Sprintf("Create an item in the %s store.", t.store.Name())
}

type createParams struct {
	Type     string         `json:"type,omitempty" jsonschema:"description=Item category"`
	Title    string         `json:"title,omitempty" jsonschema:"description=Short item title"`
	Status   string         `json:"status,omitempty" jsonschema:"description=Workflow status"`
	Data     map[string]any `json:"data,omitempty" jsonschema:"description=Arbitrary item payload"`
	ParentID string         `json:"parent_id,omitempty" jsonschema:"description=Parent item id"`
	Tags     []string       `json:"tags,omitempty" jsonschema:"description=Labels for filtering"`
}

func (t *createTool) Schema() json.RawMessage {
	return agent.ParamSchema(&createParams{})
}

func (t *createTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in createParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	item, err := t.store.Create(store.Fields{
		Type:     in.Type,
		Title:    in.Title,
		Status:   in.Status,
		Data:     in.Data,
		ParentID: in.ParentID,
		Tags:     in.Tags,
	})
	if err != nil {
		return opError("create item", err)
	}
	return itemResult(item)
}

type getTool struct {
	store *store.Store
}

func (t *getTool) Name() string { return "store_get" }

func (t *getTool) Description() string {
	return fmt.Sprintf("Fetch an item from the %s store by id.", t.store.Name())
}

type getParams struct {
	ID string `json:"id" jsonschema:"required,description=Item id"`
}

func (t *getTool) Schema() json.RawMessage {
	return agent.ParamSchema(&getParams{})
}

func (t *getTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in getParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.ID) == "" {
		return toolError("id is required"), nil
	}
	item, err := t.store.Get(in.ID)
	if err != nil {
		return opError("get item", err)
	}
	return itemResult(item)
}

type updateTool struct {
	store *store.Store
}

func (t *updateTool) Name() string { return "store_update" }

func (t *updateTool) Description() string {
	return fmt.Sprintf("Update an item in the %s store. Omitted fields stay unchanged; data merges key by key.", t.store.Name())
}

type updateParams struct {
	ID       string         `json:"id" jsonschema:"required,description=Item id"`
	Type     *string        `json:"type,omitempty" jsonschema:"description=New item category"`
	Title    *string        `json:"title,omitempty" jsonschema:"description=New title"`
	Status   *string        `json:"status,omitempty" jsonschema:"description=New workflow status"`
	Data     map[string]any `json:"data,omitempty" jsonschema:"description=Payload keys to merge"`
	ParentID *string        `json:"parent_id,omitempty" jsonschema:"description=New parent item id"`
	Tags     []string       `json:"tags,omitempty" jsonschema:"description=Replacement tag list"`
}

func (t *updateTool) Schema() json.RawMessage {
	return agent.ParamSchema(&updateParams{})
}

func (t *updateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in updateParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.ID) == "" {
		return toolError("id is required"), nil
	}
	item, err := t.store.Update(in.ID, store.Patch{
		Type:     in.Type,
		Title:    in.Title,
		Status:   in.Status,
		Data:     in.Data,
		ParentID: in.ParentID,
		Tags:     in.Tags,
	})
	if err != nil {
		return opError("update item", err)
	}
	return itemResult(item)
}

type deleteTool struct {
	store *store.Store
}

func (t *deleteTool) Name() string { return "store_delete" }

func (t *deleteTool) Description() string {
	return fmt.Sprintf("Delete an item from the %s store by id.", t.store.Name())
}

func (t *deleteTool) Schema() json.RawMessage {
	return agent.ParamSchema(&getParams{})
}

func (t *deleteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in getParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(in.ID) == "" {
		return toolError("id is required"), nil
	}
	if err := t.store.Delete(in.ID); err != nil {
		return opError("delete item", err)
	}
	payload, err := json.Marshal(map[string]any{"deleted": true, "id": in.ID})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

type listTool struct {
	store *store.Store
}

func (t *listTool) Name() string { return "store_list" }

func (t *listTool) Description() string {
	return fmt.Sprintf("List items in the %s store, newest first, with optional filters.", t.store.Name())
}

type listParams struct {
	Type     string `json:"type,omitempty" jsonschema:"description=Only items of this category"`
	Status   string `json:"status,omitempty" jsonschema:"description=Only items with this status"`
	ParentID string `json:"parent_id,omitempty" jsonschema:"description=Only children of this item"`
	Tag      string `json:"tag,omitempty" jsonschema:"description=Only items carrying this tag"`
	Limit    int    `json:"limit,omitempty" jsonschema:"minimum=0,description=Maximum items to return"`
	Offset   int    `json:"offset,omitempty" jsonschema:"minimum=0,description=Items to skip"`
}

func (t *listTool) Schema() json.RawMessage {
	return agent.ParamSchema(&listParams{})
}

func (t *listTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var in listParams
	if err := json.Unmarshal(params, &in); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	items, err := t.store.List(store.ListFilter{
		Type:     in.Type,
		Status:   in.Status,
		ParentID: in.ParentID,
		Tag:      in.Tag,
		Limit:    in.Limit,
		Offset:   in.Offset,
	})
	if err != nil {
		return opError("list items", err)
	}
	payload, err := json.MarshalIndent(map[string]any{
		"items": items,
		"count": len(items),
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
