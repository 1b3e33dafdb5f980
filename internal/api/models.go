package api

import (
	"github.com/camgate/camgate/internal/ingest"
	"github.com/camgate/camgate/internal/stream"
	"github.com/camgate/camgate/internal/version"
)

// HealthData is the health check payload.
type HealthData struct {
	Status string `json:"status" example:"ok" doc:"Service health"`
}

// HealthResponse wraps HealthData.
type HealthResponse struct {
	Body HealthData
}

// VersionResponse wraps version info.
type VersionResponse struct {
	Body version.Info
}

// StartStreamRequest begins ingest for an RTSP source.
type StartStreamRequest struct {
	Name string `path:"name" example:"cam_1" doc:"Stream name"`
	Body struct {
		RTSPURL string `json:"rtsp_url" example:"rtsp://10.0.0.5/Streaming/Channels/101" doc:"RTSP source URL"`
	}
}

// StartStreamData is returned by a successful start.
type StartStreamData struct {
	Stream   string `json:"stream" example:"cam_1" doc:"Sanitized stream name"`
	Playlist string `json:"playlist" example:"/hls/cam_1/stream.m3u8" doc:"Relative playlist path"`
}

// StartStreamResponse wraps StartStreamData.
type StartStreamResponse struct {
	Body StartStreamData
}

// StreamStatusData is the coarse lifecycle phase of a stream.
type StreamStatusData struct {
	Stream string `json:"stream" example:"cam_1" doc:"Stream name"`
	Status string `json:"status" example:"running" doc:"One of not_found, starting, running, stopped"`
}

// StreamStatusResponse wraps StreamStatusData.
type StreamStatusResponse struct {
	Body StreamStatusData
}

// StreamStatsResponse wraps a stream's counter snapshot.
type StreamStatsResponse struct {
	Body stream.Snapshot
}

// StreamListData lists registered stream names.
type StreamListData struct {
	Streams []string `json:"streams" doc:"Registered stream names"`
	Count   int      `json:"count" doc:"Number of streams"`
}

// StreamListResponse wraps StreamListData.
type StreamListResponse struct {
	Body StreamListData
}

// SystemStatsResponse wraps the system-wide report.
type SystemStatsResponse struct {
	Body ingest.SystemStats
}
