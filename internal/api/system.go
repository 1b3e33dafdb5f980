package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// registerSystemRoutes registers the system-wide stats endpoint.
func (s *Server) registerSystemRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-system-stats",
		Method:      http.MethodGet,
		Path:        "/api/system",
		Summary:     "System Stats",
		Description: "Get system-wide ingest state: stream counts, worker pool, memory and CPU",
		Tags:        []string{"system"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(ctx context.Context, input *struct{}) (*SystemStatsResponse, error) {
		return &SystemStatsResponse{Body: s.service.SystemStats()}, nil
	})
}
