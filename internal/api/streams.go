package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/camgate/camgate/internal/hls"
	"github.com/camgate/camgate/internal/ingest"
)

// registerStreamRoutes registers all stream-related endpoints.
func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Description: "Get the names of all registered streams",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*StreamListResponse, error) {
		names := s.service.ListStreams()
		return &StreamListResponse{
			Body: StreamListData{Streams: names, Count: len(names)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{name}/start",
		Summary:     "Start Stream",
		Description: "Begin producing a live HLS playlist for an RTSP source. Idempotent: starting a registered name returns its existing playlist path.",
		Tags:        []string{"streams"},
		Errors:      []int{400, 401, 429, 503},
		Security:    withAuth(),
	}, func(ctx context.Context, input *StartStreamRequest) (*StartStreamResponse, error) {
		playlist, err := s.service.Start(input.Body.RTSPURL, input.Name)
		if err != nil {
			return nil, s.mapStreamError(err)
		}
		return &StartStreamResponse{
			Body: StartStreamData{Stream: hls.SanitizeName(input.Name), Playlist: playlist},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-stream",
		Method:      http.MethodPost,
		Path:        "/api/streams/{name}/stop",
		Summary:     "Stop Stream",
		Description: "Stop a stream and delete its playlist and segments. No-op for unknown names.",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" example:"cam_1" doc:"Stream name"`
	}) (*struct{}, error) {
		s.service.Stop(input.Name)
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-status",
		Method:      http.MethodGet,
		Path:        "/api/streams/{name}/status",
		Summary:     "Stream Status",
		Description: "Get the coarse lifecycle phase of a stream",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" example:"cam_1" doc:"Stream name"`
	}) (*StreamStatusResponse, error) {
		return &StreamStatusResponse{
			Body: StreamStatusData{
				Stream: hls.SanitizeName(input.Name),
				Status: s.service.Status(input.Name),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-stats",
		Method:      http.MethodGet,
		Path:        "/api/streams/{name}/stats",
		Summary:     "Stream Stats",
		Description: "Get a stream's cumulative counters and derived FPS",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" example:"cam_1" doc:"Stream name"`
	}) (*StreamStatsResponse, error) {
		snap := s.service.Stats(input.Name)
		if snap == nil {
			return nil, huma.Error404NotFound("stream not found")
		}
		return &StreamStatsResponse{Body: *snap}, nil
	})
}

// mapStreamError converts domain errors to HTTP errors.
func (s *Server) mapStreamError(err error) error {
	switch {
	case ingest.IsCode(err, ingest.ErrCodeInvalidArgument):
		return huma.Error400BadRequest(err.Error())
	case ingest.IsCode(err, ingest.ErrCodeCapacityExceeded):
		return huma.Error429TooManyRequests(err.Error())
	case ingest.IsCode(err, ingest.ErrCodeShuttingDown):
		return huma.Error503ServiceUnavailable(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}
