package api

import "encoding/json"

type CreateTaskRequest struct {
	Endpoint string          `json:"endpoint"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

type SendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type SetCoordinatesRequest struct {
	FocusX *int `json:"focus_x"`
	FocusY *int `json:"focus_y"`
}
