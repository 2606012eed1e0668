package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/realtime"
)

const streamBuffer = 64

// streamer bridges a realtime.Manager onto a server-sent event stream. Each
// stream owns its own hub client, so one slow reader never stalls another.
type streamer struct {
	hub    *realtime.Hub
	fetch  realtime.MessageFetcher
	settle time.Duration
	logger *slog.Logger
}

func (s streamer) run(ctx context.Context, targetID string, target realtime.TargetType, send sse.Sender) {
	out := make(chan any, streamBuffer)
	done := make(chan struct{})
	push := func(v any) {
		select {
		case out <- v:
		case <-ctx.Done():
		case <-done:
		}
	}

	client := s.hub.Client()
	defer client.Close()

	var m *realtime.Manager
	m = realtime.NewManager(client, s.fetch, realtime.Callbacks{
		OnMessage:         func(msg domain.Message) { push(messageResponse(msg)) },
		OnWorkflowStatus:  func(p realtime.WorkflowStatusPayload) { push(p) },
		OnTitle:           func(p realtime.TitleUpdatePayload) { push(p) },
		OnRecommendations: func(p realtime.RecommendationsPayload) { push(p) },
		OnStateChange: func(st realtime.State) {
			state := StreamState{State: st.String()}
			if err := m.Err(); err != nil && st == realtime.StateDisconnected {
				state.Error = err.Error()
			}
			push(state)
		},
	}, realtime.Options{SettleDelay: s.settle, Logger: s.logger})

	if err := m.Connect(targetID, target); err != nil {
		_ = send.Data(StreamState{State: realtime.StateDisconnected.String(), Error: err.Error()})
		return
	}
	defer m.Disconnect()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-out:
			if err := send.Data(v); err != nil {
				s.logger.Debug("realtime stream closed", "channel", m.Channel(), "error", err)
				return
			}
			if st, ok := v.(StreamState); ok && st.Error != "" {
				return
			}
		}
	}
}

var streamEvents = map[string]any{
	"state":                              StreamState{},
	realtime.EventNewMessage:             MessageResponse{},
	realtime.EventWorkflowStatus:         realtime.WorkflowStatusPayload{},
	realtime.EventTitleUpdate:            realtime.TitleUpdatePayload{},
	realtime.EventRecommendationsUpdated: realtime.RecommendationsPayload{},
}

func registerStreams(api huma.API, e engine.Engine, s streamer) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-work-unit",
		Method:      http.MethodGet,
		Path:        "/work-units/{work_unit_id}/events",
		Summary:     "Stream work unit messages, workflow status and title changes",
		Description: "Announced messages are hydrated before they are sent. Events published while the subscription settles are delivered in arrival order once it is connected.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
		Middlewares: huma.Middlewares{streamAccess(api, func(ctx huma.Context) error {
			_, _, err := requireWorkUnitMember(ctx.Context(), e, ctx.Param("work_unit_id"))
			return err
		})},
	}, streamEvents, func(ctx context.Context, input *struct {
		WorkUnitID string `path:"work_unit_id"`
	}, send sse.Sender) {
		s.run(ctx, input.WorkUnitID, realtime.TargetWorkUnit, send)
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-collection",
		Method:      http.MethodGet,
		Path:        "/collections/{collection_id}/events",
		Summary:     "Stream collection title and recommendation updates",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
		Middlewares: huma.Middlewares{streamAccess(api, func(ctx huma.Context) error {
			_, err := requireCollectionMember(ctx.Context(), e, ctx.Param("collection_id"))
			return err
		})},
	}, streamEvents, func(ctx context.Context, input *struct {
		CollectionID string `path:"collection_id"`
	}, send sse.Sender) {
		s.run(ctx, input.CollectionID, realtime.TargetCollection, send)
	})
}

// streamAccess rejects a stream request before any event is written, while a
// status code can still be returned.
func streamAccess(api huma.API, check func(huma.Context) error) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if err := check(ctx); err != nil {
			se := handleError(err)
			_ = huma.WriteErr(api, ctx, se.GetStatus(), se.Error())
			return
		}
		next(ctx)
	}
}
