// Package service exposes the stage-3 and stage-4 workers over HTTP so the
// fan-out stages can run against separately deployed workers. The JSON
// payloads are exactly the in-process worker contracts, so an orchestrator
// cannot tell local workers from remote ones.
package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"cobolgraph/internal/logging"
	"cobolgraph/internal/pipeline"
)

// Server serves worker endpoints: POST /entities (mode=extract|resolve)
// and POST /flow.
type Server struct {
	entities pipeline.EntityWorker
	flow     pipeline.FlowWorker
	mux      *http.ServeMux
}

// NewServer wraps the given workers.
func NewServer(entities pipeline.EntityWorker, flow pipeline.FlowWorker) *Server {
	s := &Server{entities: entities, flow: flow, mux: http.NewServeMux()}
	s.mux.HandleFunc("/entities", s.handleEntities)
	s.mux.HandleFunc("/flow", s.handleFlow)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	// Mode discriminates the payload; decode the envelope first.
	var envelope struct {
		Mode string `json:"mode"`
	}
	body := json.NewDecoder(r.Body)
	raw := json.RawMessage{}
	if err := body.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch envelope.Mode {
	case "", "extract":
		var req pipeline.EntityExtractRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid extract request")
			return
		}
		ents, err := s.entities.Extract(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, pipeline.EntityWorkerResponse{Entities: ents})
	case "resolve":
		var req pipeline.EntityResolveRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolve request")
			return
		}
		if len(req.Candidates) == 0 {
			writeError(w, http.StatusBadRequest, "no candidates provided")
			return
		}
		ents, err := s.entities.Resolve(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, pipeline.EntityWorkerResponse{Entities: ents})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode: %s", envelope.Mode))
	}
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req pipeline.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TargetStructureID == "" {
		writeError(w, http.StatusBadRequest, "missing target_structure_id")
		return
	}
	resp, err := s.flow.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Error("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
