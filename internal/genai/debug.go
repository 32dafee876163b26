package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// debugLogEntry is one request/response pair written in debug mode.
type debugLogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
	Error     string      `json:"error,omitempty"`
}

// writeDebugLog stores entry under <stateDir>/debug. Failures are logged and ignored.
func writeDebugLog(stateDir, method, model string, params, response interface{}, callErr error) {
	debugDir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Warn("genai debug: failed to create debug directory", "error", err, "dir", debugDir)
		return
	}
	entry := debugLogEntry{
		Timestamp: time.Now(),
		Method:    method,
		Model:     model,
		Params:    params,
		Response:  response,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai debug: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", entry.Timestamp.Format("20060102_150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(debugDir, name), data, 0644); err != nil {
		slog.Warn("genai debug: failed to write debug file", "error", err)
		return
	}
	slog.Debug("genai debug: wrote debug log", "file", name)
}
