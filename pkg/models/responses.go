package models

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse reports daemon liveness and component state.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Database        string `json:"database"`
	MirrorEnabled   bool   `json:"mirror_enabled"`
	DevserverOn     bool   `json:"devserver_running"`
	FileHistorySize int    `json:"file_history_size"`
	LatestSeq       int64  `json:"latest_seq"`
}

// UndoResponse lists the files an undo batch restored.
type UndoResponse struct {
	RestoredFiles []string `json:"restored_files"`
	Count         int      `json:"count"`
}

// RebuildResponse reports a projection rebuild.
type RebuildResponse struct {
	EventsReplayed int64 `json:"events_replayed"`
}
