package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/events"
	"relay/internal/repo"
)

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:             evt.ID,
		TS:             evt.TS,
		Type:           evt.Type,
		ProjectID:      evt.ProjectID,
		EntityKind:     evt.EntityKind,
		EntityID:       evt.EntityID,
		ActorID:        evt.ActorID,
		PreviousStatus: evt.PreviousStatus,
		NewStatus:      evt.NewStatus,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil && len(payload) > 0 {
			out.Payload = payload
		}
	}
	return out
}

func registerEvents(api huma.API, e engine.Engine, bus *events.Bus) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pool,session,work_item,delegation"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"200"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var cursor int64
		if input.Cursor != "" {
			c, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || c <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "invalid_cursor", "invalid cursor", nil)
			}
			cursor = c
		}
		limit := normalizeLimit(input.Limit)
		evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		next := ""
		if len(evts) > limit {
			evts = evts[:limit]
			next = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		items := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			items = append(items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})

	if bus == nil {
		return
	}
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events/stream",
		Summary:     "Stream committed events",
		Description: "Server-sent events for the project. Types accepts exact names or prefixes such as delegation.*. A slow reader misses events rather than stalling writers.",
	}, map[string]any{
		"event": EventResponse{},
	}, func(ctx context.Context, input *struct {
		ProjectID string   `path:"project_id"`
		Types     []string `query:"type"`
	}, send sse.Sender) {
		ch, cancel := bus.Subscribe(events.Filter{ProjectID: input.ProjectID, Types: input.Types})
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := send(sse.Message{ID: int(evt.ID), Data: eventResponse(evt)}); err != nil {
					return
				}
			}
		}
	})
}
