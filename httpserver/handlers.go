package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/sandbox"
)

// maxRequestBytes caps the /execute body, code and stdin included.
const maxRequestBytes = 10 << 20

// executeRequest mirrors the /execute body. Pointer fields distinguish an
// absent value, which takes the configured default, from an explicit zero.
type executeRequest struct {
	Lang     string  `json:"lang"`
	Version  string  `json:"version"`
	Code     *string `json:"code"`
	Stdin    string  `json:"stdin"`
	MemLimit string  `json:"mem_limit"`
	CPULimit *int    `json:"cpu_limit"`
	Timeout  *int    `json:"timeout"`
}

type executeResponse struct {
	Output string `json:"output"`
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Code == nil {
		writeError(w, http.StatusBadRequest, "missing required field: code")
		return
	}

	req := sandbox.ExecuteRequest{
		Language:    body.Lang,
		Version:     body.Version,
		Code:        *body.Code,
		Stdin:       body.Stdin,
		MemoryLimit: body.MemLimit,
		CPULimit:    s.config.Sandbox.DefaultCPU,
		TimeoutSec:  s.config.Sandbox.DefaultTimeoutSec,
	}
	if body.CPULimit != nil {
		req.CPULimit = *body.CPULimit
	}
	if body.Timeout != nil {
		req.TimeoutSec = *body.Timeout
	}

	result, err := s.executor.Execute(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
			status = http.StatusBadRequest
		}
		s.logger.Warn("execution rejected",
			zap.String("language", req.Language),
			zap.Int("status", status),
			zap.Error(err))
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("X-Execution-Id", result.ExecutionID)
	writeJSON(w, http.StatusOK, executeResponse{Output: result.Output})
}
