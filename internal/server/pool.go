package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relay/internal/domain"
	"relay/internal/engine"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerPool(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pool",
		Summary:     "Get pool with live counts",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.PoolView `json:"body"`
	}, error) {
		view, err := e.PoolCapacity(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PoolView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "configure-pool",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/pool",
		Summary:     "Configure pool settings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      ConfigurePoolRequest `json:"body"`
	}) (*struct {
		Body domain.Pool `json:"body"`
	}, error) {
		pool, err := e.ConfigurePool(ctx, engine.PoolConfigureOptions{
			ProjectID:               input.ProjectID,
			WarmPoolSize:            input.Body.WarmPoolSize,
			MaxPoolSize:             input.Body.MaxPoolSize,
			ContextThresholdPercent: input.Body.ContextThresholdPercent,
			AutoDelegateEnabled:     input.Body.AutoDelegateEnabled,
			SkipUserRequired:        input.Body.SkipUserRequired,
			ActorID:                 actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pool `json:"body"`
		}{Body: pool}, nil
	})

	statusActions := []struct {
		name    string
		summary string
		apply   func(context.Context, string, string) (domain.Pool, error)
	}{
		{"pause", "Stop admitting sessions", e.PausePool},
		{"resume", "Resume admitting sessions", e.ResumePool},
		{"drain", "Drain pool ahead of teardown", e.DrainPool},
	}
	for _, action := range statusActions {
		action := action
		huma.Register(api, huma.Operation{
			OperationID: action.name + "-pool",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/pool/" + action.name,
			Summary:     action.summary,
		}, func(ctx context.Context, input *projectPath) (*struct {
			Body domain.Pool `json:"body"`
		}, error) {
			pool, err := action.apply(ctx, input.ProjectID, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Pool `json:"body"`
			}{Body: pool}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "warmup-pool",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pool/warmup",
		Summary:     "Spawn sessions up to the warm size",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body WarmupResponse `json:"body"`
	}, error) {
		spawned, err := e.Warmup(ctx, input.ProjectID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WarmupResponse `json:"body"`
		}{Body: WarmupResponse{Spawned: emptyIfNil(spawned)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "teardown-pool",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pool/teardown",
		Summary:     "Drain pool, retire sessions and cancel open delegations",
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      *SummaryRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.TeardownResult `json:"body"`
	}, error) {
		summary := ""
		if input.Body != nil {
			summary = input.Body.Summary
		}
		res, err := e.TeardownPool(ctx, input.ProjectID, summary, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		res.Retired = emptyIfNil(res.Retired)
		res.Cancelled = emptyIfNil(res.Cancelled)
		return &struct {
			Body engine.TeardownResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pool-capacity",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pool/capacity",
		Summary:     "Admission predicates",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body CapacityResponse `json:"body"`
	}, error) {
		view, err := e.PoolCapacity(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapacityResponse `json:"body"`
		}{Body: CapacityResponse{
			PoolID:             view.ID,
			Status:             view.Status,
			LiveSessions:       view.LiveSessions,
			MaxPoolSize:        view.MaxPoolSize,
			WarmPoolSize:       view.WarmPoolSize,
			CanSpawnNewSession: view.CanSpawnNewSession,
			NeedsWarmup:        view.NeedsWarmup,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pool-available-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pool/available",
		Summary:     "Find the least loaded idle session",
	}, func(ctx context.Context, input *struct {
		ProjectID string  `path:"project_id"`
		Buffer    float64 `query:"buffer" default:"10" minimum:"0" maximum:"100"`
	}) (*struct {
		Body AvailableSessionResponse `json:"body"`
	}, error) {
		s, ok, err := e.FindAvailableSession(ctx, input.ProjectID, input.Buffer)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AvailableSessionResponse{Available: ok}
		if ok {
			resp.Session = &s
		}
		return &struct {
			Body AvailableSessionResponse `json:"body"`
		}{Body: resp}, nil
	})
}
