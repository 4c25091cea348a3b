package api

import (
	"devicefleet/internal/directory"
	"devicefleet/internal/history"
	"devicefleet/internal/tasks"
	"devicefleet/internal/worker"
	"time"
)

type CreateTaskResponse struct {
	Task          *tasks.Task `json:"task"`
	QueuePosition int64       `json:"queue_position"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id,omitempty"`
}

type DeviceStatus struct {
	Pending    int64  `json:"pending"`
	Worker     string `json:"worker"`
	ID         string `json:"id"`
	Model      string `json:"model,omitempty"`
	Resolution string `json:"resolution"`
}

type StatusResponse struct {
	Status    string                  `json:"status"`
	Stats     worker.Stats            `json:"stats"`
	Devices   map[string]DeviceStatus `json:"devices"`
	Timestamp time.Time               `json:"timestamp"`
}

type ListDevicesResponse struct {
	Devices []directory.Endpoint `json:"devices"`
}

type HealthCheck struct {
	EndpointID string `json:"endpoint_id"`
	Alias      string `json:"alias"`
	Healthy    bool   `json:"healthy"`
	Error      string `json:"error,omitempty"`
}

type HealthCheckResponse struct {
	Running   bool          `json:"running"`
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	Checks    []HealthCheck `json:"checks"`
}

type QueueSummaryResponse struct {
	Alias      string `json:"alias"`
	Pending    int64  `json:"pending"`
	Processing string `json:"processing,omitempty"`
	Worker     string `json:"worker"`
	Today      int64  `json:"today"`
	Total      int64  `json:"total"`
}

type DeviceStatsResponse struct {
	Alias       string       `json:"alias"`
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	Worker      string       `json:"worker"`
	QueueLength int64        `json:"queue_length"`
	Today       int64        `json:"today"`
	Total       int64        `json:"total"`
	Stats       worker.Stats `json:"stats"`
}

type DeviceActionResponse struct {
	ID      string `json:"id"`
	Alias   string `json:"alias"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ListPendingResponse struct {
	Alias string        `json:"alias"`
	Count int           `json:"count"`
	Tasks []*tasks.Task `json:"tasks"`
}

type HistoryResponse struct {
	Alias   string          `json:"alias"`
	Entries []history.Entry `json:"entries"`
}

type ClearQueueResponse struct {
	Alias   string `json:"alias"`
	Removed int    `json:"removed"`
}

type EventLogResponse struct {
	Logs []string `json:"logs"`
}
