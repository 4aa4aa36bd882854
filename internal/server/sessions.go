package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"relay/internal/domain"
	"relay/internal/engine"
)

type sessionPath struct {
	ProjectID string `path:"project_id"`
	SessionID string `path:"session_id"`
}

// projectSession loads a session and checks it belongs to the path project.
func projectSession(ctx context.Context, e engine.Engine, projectID, sessionID string) (engine.SessionView, error) {
	s, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	return s, inProject("session", sessionID, projectID, s.ProjectID)
}

type sessionBody struct {
	Body engine.SessionView `json:"body"`
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "spawn-session",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions",
		Summary:       "Admit a new session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      *SpawnSessionRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		opts := engine.SessionSpawnOptions{ProjectID: input.ProjectID, ActorID: actorID(ctx)}
		if input.Body != nil {
			opts.ContextMaxTokens = input.Body.ContextMaxTokens
		}
		s, err := e.SpawnSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		ProjectID string   `path:"project_id"`
		Status    []string `query:"status" enum:"starting,active,idle,handoff_pending,retired,error"`
	}) (*struct {
		Body SessionList `json:"body"`
	}, error) {
		statuses := make([]domain.SessionStatus, 0, len(input.Status))
		for _, st := range input.Status {
			statuses = append(statuses, domain.SessionStatus(st))
		}
		items, err := e.ListSessions(ctx, input.ProjectID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionList `json:"body"`
		}{Body: SessionList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		s, err := projectSession(ctx, e, input.ProjectID, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-heartbeat",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/heartbeat",
		Summary:     "Record session liveness",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Heartbeat(ctx, input.SessionID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-context",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/context",
		Summary:     "Report context usage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		SessionID string               `path:"session_id"`
		Body      ContextReportRequest `json:"body"`
	}) (*struct {
		Body engine.ContextReport `json:"body"`
	}, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.ReportContext(ctx, engine.ContextReportOptions{
			SessionID:  input.SessionID,
			UsedTokens: input.Body.UsedTokens,
			MaxTokens:  input.Body.MaxTokens,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ContextReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/complete-task",
		Summary:     "Finish the session's current task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *sessionPath) (*sessionBody, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.CompleteSessionTask(ctx, input.SessionID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retire-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/retire",
		Summary:     "Retire session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		SessionID string          `path:"session_id"`
		Body      *SummaryRequest `json:"body,omitempty" required:"false"`
	}) (*sessionBody, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		summary := ""
		if input.Body != nil {
			summary = input.Body.Summary
		}
		s, err := e.RetireSession(ctx, input.SessionID, summary, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-error",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/error",
		Summary:     "Mark session failed",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		SessionID string              `path:"session_id"`
		Body      SessionErrorRequest `json:"body"`
	}) (*sessionBody, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		s, err := e.MarkSessionError(ctx, input.SessionID, input.Body.Message, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-handoff",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sessions/{session_id}/handoff",
		Summary:     "Replace session with a successor",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		SessionID string          `path:"session_id"`
		Body      *SummaryRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.HandoffResult `json:"body"`
	}, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		opts := engine.HandoffOptions{SessionID: input.SessionID, ActorID: actorID(ctx)}
		if input.Body != nil {
			opts.Summary = input.Body.Summary
		}
		res, err := e.Handoff(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.HandoffResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-chain",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions/{session_id}/chain",
		Summary:     "Handoff chain, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionChain `json:"body"`
	}, error) {
		if _, err := projectSession(ctx, e, input.ProjectID, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		chain, err := e.HandoffChain(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionChain `json:"body"`
		}{Body: SessionChain{Items: chain}}, nil
	})
}
