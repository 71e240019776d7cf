package kvserver

import (
	"encoding/json"
	"net/http"

	"github.com/gordon-to/replikv/internal/cluster"
)

// RegisterHandlers wires this server's HTTP endpoints onto mux:
// /op for clients, /peer for replica partners and recovery streams,
// /control for the coordinator, and /health for both.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/op", s.handleOp)
	mux.HandleFunc("/peer", s.handlePeer)
	mux.HandleFunc("/control", s.handleControlHTTP)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	var req cluster.OpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp cluster.OpResponse
	switch req.Type {
	case cluster.OpNoop:
		resp.Status = cluster.StatusSuccess
	case cluster.OpGet:
		value, status := s.Get(req.Key)
		resp.Status = status
		resp.Value = value
	case cluster.OpPut:
		resp.Status = s.Put(r.Context(), req.Key, req.Value)
	default:
		resp.Status = cluster.StatusServerFailure
	}

	writeJSON(w, resp)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	var req cluster.PeerOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cluster.PeerOpResponse{Status: s.ApplyPeerOp(req)})
}

func (s *Server) handleControlHTTP(w http.ResponseWriter, r *http.Request) {
	var req cluster.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cluster.ControlResponse{Status: s.HandleControl(r.Context(), req)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
