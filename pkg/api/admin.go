package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/token"
)

// AdminPauseRequest carries the operator's pause reason.
type AdminPauseRequest struct {
	Reason string `json:"reason"`
}

// AdminParamRequest sets one per-token parameter.
type AdminParamRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AdminDelistResponse reports the delist outcome.
type AdminDelistResponse struct {
	Success     bool       `json:"success"`
	ClosedPairs int        `json:"closedPairs"`
	Error       *ErrorBody `json:"error,omitempty"`
}

func (s *Server) setupAdminRoutes(api *mux.Router) {
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/tokens/{token}/register", s.handleAdminRegister).Methods("POST")
	admin.HandleFunc("/tokens/{token}/activate", s.handleAdminActivate).Methods("POST")
	admin.HandleFunc("/tokens/{token}/pause", s.handleAdminPause).Methods("POST")
	admin.HandleFunc("/tokens/{token}/resume", s.handleAdminResume).Methods("POST")
	admin.HandleFunc("/tokens/{token}/delist", s.handleAdminDelist).Methods("POST")
	admin.HandleFunc("/tokens/{token}/params", s.handleAdminSetParam).Methods("POST")
}

// handleAdminRegister lists a new token in Pretrade. An empty body means
// default parameters.
func (s *Server) handleAdminRegister(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	params := token.DefaultParams()
	if s.deps.DefaultTokenParams != nil {
		params = *s.deps.DefaultTokenParams
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		respondJSON(w, http.StatusBadRequest, GenericResponse{
			Error: &ErrorBody{Code: core.ErrInvalidOrderParameters.Code, Message: "invalid params body"},
		})
		return
	}
	s.adminResult(w, s.deps.Registry.Register(tok, params))
}

func (s *Server) handleAdminActivate(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	s.adminResult(w, s.deps.Registry.Activate(tok, nil))
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	var req AdminPauseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "admin"
	}
	s.adminResult(w, s.deps.Registry.Pause(tok, req.Reason))
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	s.adminResult(w, s.deps.Registry.Resume(tok))
}

// handleAdminDelist retires a token. Remaining pairs are force-closed at
// the current mark before the registry transition, so the delist either
// completes fully or leaves the token paused.
func (s *Server) handleAdminDelist(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	t, err := s.deps.Registry.Get(tok)
	if err != nil {
		respondJSON(w, statusOf(err), AdminDelistResponse{Error: errBody(err)})
		return
	}
	if t.State == token.Active {
		if err := s.deps.Registry.Pause(tok, "delisting"); err != nil {
			respondJSON(w, statusOf(err), AdminDelistResponse{Error: errBody(err)})
			return
		}
	}

	closed := 0
	pairs := s.deps.Positions.ActivePairs(tok)
	if len(pairs) > 0 {
		mark, found := s.deps.Feed.Mark(tok)
		if !found {
			err := core.Errf(core.ErrNoLiquidity, "no mark price to close %d pairs against", len(pairs))
			respondJSON(w, http.StatusServiceUnavailable, AdminDelistResponse{Error: errBody(err)})
			return
		}
		for i := range pairs {
			if _, err := s.deps.Engine.ADLClose(r.Context(), tok, pairs[i].ID, mark.Price); err != nil {
				s.log.Errorw("delist_close_failed", "token", tok.Hex(), "pair", pairs[i].ID, "err", err)
				respondJSON(w, statusOf(err), AdminDelistResponse{ClosedPairs: closed, Error: errBody(err)})
				return
			}
			closed++
		}
	}

	if err := s.deps.Registry.Delist(tok); err != nil {
		respondJSON(w, statusOf(err), AdminDelistResponse{ClosedPairs: closed, Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, AdminDelistResponse{Success: true, ClosedPairs: closed})
}

func (s *Server) handleAdminSetParam(w http.ResponseWriter, r *http.Request) {
	tok, ok := s.tokenVar(w, r)
	if !ok {
		return
	}
	var req AdminParamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		respondJSON(w, http.StatusBadRequest, GenericResponse{
			Error: &ErrorBody{Code: core.ErrInvalidOrderParameters.Code, Message: "body must carry key and value"},
		})
		return
	}
	s.adminResult(w, s.deps.Registry.SetParam(tok, req.Key, req.Value))
}

func (s *Server) adminResult(w http.ResponseWriter, err error) {
	if err != nil {
		respondJSON(w, statusOf(err), GenericResponse{Error: errBody(err)})
		return
	}
	respondJSON(w, http.StatusOK, GenericResponse{Success: true})
}
