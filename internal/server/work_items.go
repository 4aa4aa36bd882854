package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
)

type workItemPath struct {
	ProjectID  string `path:"project_id"`
	WorkItemID string `path:"work_item_id"`
}

type workItemBody struct {
	Body engine.WorkItemView `json:"body"`
}

func projectWorkItem(ctx context.Context, e engine.Engine, projectID, id string) (engine.WorkItemView, error) {
	w, err := e.GetWorkItem(ctx, id)
	if err != nil {
		return w, err
	}
	return w, inProject("work item", id, projectID, w.ProjectID)
}

// viewAfter re-reads a saved item so responses carry derived progress fields.
func viewAfter(ctx context.Context, e engine.Engine, w domain.WorkItem, err error) (*workItemBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	v, err := e.GetWorkItem(ctx, w.ID)
	if err != nil {
		return nil, handleError(err)
	}
	return &workItemBody{Body: v}, nil
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateWorkItemRequest `json:"body"`
	}) (*workItemBody, error) {
		opts := engine.WorkItemCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			ProjectID:   input.ProjectID,
			ParentID:    stringOrEmpty(input.Body.ParentID),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			BlockedBy:   input.Body.BlockedBy,
			ClientID:    stringOrEmpty(input.Body.ClientID),
			ActorID:     actorID(ctx),
		}
		if input.Body.DependencyClass != nil {
			opts.DependencyClass = domain.DependencyClass(*input.Body.DependencyClass)
		}
		if input.Body.Priority != nil {
			opts.Priority = domain.Priority(*input.Body.Priority)
		}
		w, err := e.CreateWorkItem(ctx, opts)
		return viewAfter(ctx, e, w, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		Status          string `query:"status" enum:"pending,in_progress,completed,blocked"`
		ParentID        string `query:"parent_id"`
		DependencyClass string `query:"dependency_class" enum:"HUMAN_REQUIRED,AGENT_CAPABLE"`
		Limit           int    `query:"limit" minimum:"0" maximum:"200"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body WorkItemList `json:"body"`
	}, error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_cursor", err.Error(), nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListWorkItems(ctx, repo.WorkItemFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			ParentID:        input.ParentID,
			DependencyClass: input.DependencyClass,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body WorkItemList `json:"body"`
		}{Body: WorkItemList{Items: emptyIfNil(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-item-tree",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items/tree",
		Summary:     "Work items nested under their parents",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body WorkItemTree `json:"body"`
	}, error) {
		nodes, err := e.WorkItemTree(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemTree `json:"body"`
		}{Body: WorkItemTree{Items: emptyIfNil(nodes)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items/{work_item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*workItemBody, error) {
		w, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workItemBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-item",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/work-items/{work_item_id}",
		Summary:     "Update work item",
		Description: "When version is set it must equal the stored version, otherwise the update fails with version_conflict.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string                `path:"project_id"`
		WorkItemID string                `path:"work_item_id"`
		Body       UpdateWorkItemRequest `json:"body"`
	}) (*workItemBody, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.WorkItemUpdateOptions{
			ID:             input.WorkItemID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			SetParent:      input.Body.ParentID,
			AddBlockers:    input.Body.AddBlockedBy,
			RemoveBlockers: input.Body.RemoveBlockedBy,
			ClientID:       input.Body.ClientID,
			ActorID:        actorID(ctx),
		}
		if input.Body.Version != nil {
			opts.ExpectedVersion = *input.Body.Version
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			opts.Priority = &p
		}
		if input.Body.DependencyClass != nil {
			dc := domain.DependencyClass(*input.Body.DependencyClass)
			opts.DependencyClass = &dc
		}
		if input.Body.Status != nil {
			opts.Status = domain.WorkItemStatus(*input.Body.Status)
		}
		w, err := e.UpdateWorkItem(ctx, opts)
		return viewAfter(ctx, e, w, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/complete",
		Summary:     "Complete work item",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workItemPath) (*workItemBody, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		w, err := e.CompleteWorkItem(ctx, input.WorkItemID, actorID(ctx))
		return viewAfter(ctx, e, w, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-work-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/block",
		Summary:     "Add blockers",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string          `path:"project_id"`
		WorkItemID string          `path:"work_item_id"`
		Body       BlockersRequest `json:"body"`
	}) (*workItemBody, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		w, err := e.BlockWorkItem(ctx, input.WorkItemID, input.Body.BlockedBy, actorID(ctx))
		return viewAfter(ctx, e, w, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-work-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/unblock",
		Summary:     "Remove blockers",
		Description: "Without blocked_by every blocker is removed.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID  string           `path:"project_id"`
		WorkItemID string           `path:"work_item_id"`
		Body       *BlockersRequest `json:"body,omitempty" required:"false"`
	}) (*workItemBody, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		var blockers []string
		if input.Body != nil {
			blockers = input.Body.BlockedBy
		}
		w, err := e.UnblockWorkItem(ctx, input.WorkItemID, blockers, actorID(ctx))
		return viewAfter(ctx, e, w, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "append-audit",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/audit",
		Summary:     "Append audit entry",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string             `path:"project_id"`
		WorkItemID string             `path:"work_item_id"`
		Body       AuditAppendRequest `json:"body"`
	}) (*struct {
		Body AuditAppendResponse `json:"body"`
	}, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		agent := input.Body.AgentID
		if agent == "" {
			agent = actorID(ctx)
		}
		version, err := e.AppendAuditEntry(ctx, input.WorkItemID, input.Body.Note, agent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditAppendResponse `json:"body"`
		}{Body: AuditAppendResponse{WorkItemID: input.WorkItemID, Version: version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/audit",
		Summary:     "List audit entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body AuditList `json:"body"`
	}, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.ListAuditEntries(ctx, input.WorkItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditList `json:"body"`
		}{Body: AuditList{Items: emptyIfNil(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-work-item",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/work-items/{work_item_id}/claim",
		Summary:     "Claim work item for a session",
		Description: "Losing to another session is not an error: the response has claimed=false and held_by names the holder.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID  string       `path:"project_id"`
		WorkItemID string       `path:"work_item_id"`
		Body       ClaimRequest `json:"body"`
	}) (*struct {
		Body engine.ClaimResult `json:"body"`
	}, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		res, err := e.AtomicClaim(ctx, input.WorkItemID, input.Body.SessionID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ClaimResult `json:"body"`
		}{Body: res}, nil
	})
}
