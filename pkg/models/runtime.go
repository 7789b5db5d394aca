package models

// RuntimeInfo describes the backend settings a client may need.
type RuntimeInfo struct {
	HTTPBaseURL      string `json:"http_base_url"`
	WSBaseURL        string `json:"ws_base_url"`
	Port             int    `json:"port"`
	DefaultModel     string `json:"default_model"`
	DangerousActions bool   `json:"dangerous_actions"`
}
