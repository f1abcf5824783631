package api

import (
	"net/http"

	"github.com/shalteor/edbcore/internal/access"
	"github.com/shalteor/edbcore/internal/errors"
	"github.com/shalteor/edbcore/internal/keystore"
)

// AccessRequest names one access row: has_access reaches access_to.
type AccessRequest struct {
	HasAccess PrinRef `json:"has_access"`
	AccessTo  PrinRef `json:"access_to"`
}

// AccessResponse reports the result of an insert.
type AccessResponse struct {
	Result string `json:"result"`
}

func (s *Server) decodeAccess(w http.ResponseWriter, r *http.Request) (access.Prin, access.Prin, bool) {
	var req AccessRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return access.Prin{}, access.Prin{}, false
	}
	if req.HasAccess.Type == "" || req.HasAccess.Value == "" || req.AccessTo.Type == "" || req.AccessTo.Value == "" {
		WriteError(w, http.StatusBadRequest, "has_access and access_to need a type and a value")
		return access.Prin{}, access.Prin{}, false
	}
	hasAccess, err := s.graph.Prin(req.HasAccess.Type, req.HasAccess.Value)
	if err != nil {
		s.writeKeyError(w, r, err)
		return access.Prin{}, access.Prin{}, false
	}
	accessTo, err := s.graph.Prin(req.AccessTo.Type, req.AccessTo.Value)
	if err != nil {
		s.writeKeyError(w, r, err)
		return access.Prin{}, access.Prin{}, false
	}
	return hasAccess, accessTo, true
}

// HandlePutAccess implements PUT /v1/access
func (s *Server) HandlePutAccess(w http.ResponseWriter, r *http.Request) {
	hasAccess, accessTo, ok := s.decodeAccess(w, r)
	if !ok {
		return
	}

	// Handing out a key needs a session that already reaches it, unless the
	// key is unclaimed.
	if !s.authorize(w, r, accessTo) {
		return
	}

	res, err := s.keys.Insert(r.Context(), hasAccess, accessTo)
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}

	status := http.StatusOK
	if res == keystore.Inserted {
		status = http.StatusCreated
	}
	WriteJSON(w, status, AccessResponse{Result: res.String()})
}

// HandleDeleteAccess implements DELETE /v1/access
func (s *Server) HandleDeleteAccess(w http.ResponseWriter, r *http.Request) {
	hasAccess, accessTo, ok := s.decodeAccess(w, r)
	if !ok {
		return
	}

	if !s.authorize(w, r, hasAccess, accessTo) {
		return
	}

	if err := s.keys.Remove(r.Context(), hasAccess, accessTo); err != nil {
		s.writeKeyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize passes when the session principal reaches the key of one of
// prins or one of them is unclaimed. It writes a 403 otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, prins ...access.Prin) bool {
	session, ok := GetSession(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	for _, p := range prins {
		reached, claimable, err := s.keys.Reaches(r.Context(), session.Prin, p)
		if err != nil {
			s.writeKeyError(w, r, err)
			return false
		}
		if reached || claimable {
			return true
		}
	}
	s.logger.Info("access change refused", "principal", session.Prin.ID().String())
	WriteJSON(w, http.StatusForbidden, ErrorResponse{Error: "session principal does not reach the key", Code: errors.NotDerivable.String()})
	return false
}
