package model

// HealthInfoHTTP is returned by the `/health/info` endpoint of the reporting service.
type HealthInfoHTTP struct {
	// Frontend is the base url of the web ui, runs are linked as `<frontend>/runs/<run-id>`.
	Frontend string `json:"frontend"`
	Backend  string `json:"backend"`
	APIUI    string `json:"api_ui"`
}

// RunHTTP is the run document sent to the reporting service.
type RunHTTP struct {
	Run
	// Project scopes the run on the reporting service.
	Project string `json:"project,omitempty"`
}

// ResultHTTP is the result document sent to the reporting service.
type ResultHTTP struct {
	Result
	Project string `json:"project,omitempty"`
}

// ArtifactHTTP is returned by the reporting service after an artifact upload.
type ArtifactHTTP struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	RunID    string `json:"run_id,omitempty"`
	ResultID string `json:"result_id,omitempty"`
}

// ErrorHTTP is the error body returned by the reporting service.
type ErrorHTTP struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
	Title  string `json:"title"`
}
