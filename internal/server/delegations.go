package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/repo"
)

type delegationPath struct {
	ProjectID    string `path:"project_id"`
	DelegationID string `path:"delegation_id"`
}

type delegationBody struct {
	Body domain.DelegationRequest `json:"body"`
}

func projectDelegation(ctx context.Context, e engine.Engine, projectID, id string) (domain.DelegationRequest, error) {
	d, err := e.GetDelegation(ctx, id)
	if err != nil {
		return d, err
	}
	return d, inProject("delegation", id, projectID, d.ProjectID)
}

func registerDelegations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-delegation",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/delegations",
		Summary:       "Request delegation of a work item",
		Description:   "An existing open request for the same work item is returned unchanged.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateDelegationRequest `json:"body"`
	}) (*delegationBody, error) {
		if _, err := projectWorkItem(ctx, e, input.ProjectID, input.Body.WorkItemID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.CreateDelegation(ctx, engine.DelegationCreateOptions{
			WorkItemID: input.Body.WorkItemID,
			Reason:     input.Body.Reason,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &delegationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/delegations",
		Summary:     "List delegation requests",
	}, func(ctx context.Context, input *struct {
		ProjectID  string   `path:"project_id"`
		Status     []string `query:"status" enum:"pending,approved,claimed,completed,expired,cancelled"`
		WorkItemID string   `query:"work_item_id"`
		SessionID  string   `query:"session_id"`
		Limit      int      `query:"limit" minimum:"0" maximum:"200"`
	}) (*struct {
		Body DelegationList `json:"body"`
	}, error) {
		f := repo.DelegationFilters{
			ProjectID:  input.ProjectID,
			WorkItemID: input.WorkItemID,
			SessionID:  input.SessionID,
			Limit:      normalizeLimit(input.Limit),
		}
		for _, st := range input.Status {
			f.Statuses = append(f.Statuses, domain.DelegationStatus(st))
		}
		items, err := e.ListDelegations(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DelegationList `json:"body"`
		}{Body: DelegationList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-delegation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/delegations/{delegation_id}",
		Summary:     "Get delegation request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *delegationPath) (*delegationBody, error) {
		d, err := projectDelegation(ctx, e, input.ProjectID, input.DelegationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &delegationBody{Body: d}, nil
	})

	transitions := []struct {
		name    string
		summary string
		apply   func(context.Context, string, string) (domain.DelegationRequest, error)
	}{
		{"approve", "Approve a pending request", e.ApproveDelegation},
		{"complete", "Complete a claimed request", e.CompleteDelegation},
		{"expire", "Expire an open request", e.ExpireDelegation},
	}
	for _, tr := range transitions {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-delegation",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/delegations/{delegation_id}/" + tr.name,
			Summary:     tr.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *delegationPath) (*delegationBody, error) {
			if _, err := projectDelegation(ctx, e, input.ProjectID, input.DelegationID); err != nil {
				return nil, handleError(err)
			}
			d, err := tr.apply(ctx, input.DelegationID, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &delegationBody{Body: d}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-delegation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/delegations/{delegation_id}/cancel",
		Summary:     "Cancel a request",
		Description: "Cancelling a claimed request releases the session and returns the work item to pending.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID    string                   `path:"project_id"`
		DelegationID string                   `path:"delegation_id"`
		Body         *CancelDelegationRequest `json:"body,omitempty" required:"false"`
	}) (*delegationBody, error) {
		if _, err := projectDelegation(ctx, e, input.ProjectID, input.DelegationID); err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		d, err := e.CancelDelegation(ctx, input.DelegationID, reason, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &delegationBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-delegations",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/delegations/sweep",
		Summary:     "Expire stale open requests",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body DelegationList `json:"body"`
	}, error) {
		expired, err := e.ExpireStale(ctx, input.ProjectID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DelegationList `json:"body"`
		}{Body: DelegationList{Items: emptyIfNil(expired)}}, nil
	})
}
