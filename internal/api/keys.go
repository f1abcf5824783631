package api

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shalteor/edbcore/internal/crypto"
	"github.com/shalteor/edbcore/internal/errors"
	"github.com/shalteor/edbcore/internal/keystore"
)

// KeyResponse describes a principal's key. Key bytes are never returned.
type KeyResponse struct {
	Principal    PrinRef `json:"principal"`
	Generic      string  `json:"generic"`
	Status       string  `json:"status"`
	Fingerprint  string  `json:"fingerprint,omitempty"`
	PublicKeyB64 string  `json:"public_key_b64,omitempty"`
}

// HandleGetKey implements GET /v1/keys/{type}/{value}. A key that is not
// cached yet is derived on demand.
func (s *Server) HandleGetKey(w http.ResponseWriter, r *http.Request) {
	prin, err := s.graph.Prin(chi.URLParam(r, "type"), chi.URLParam(r, "value"))
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}

	status, err := s.keys.Status(prin)
	if err != nil {
		s.writeKeyError(w, r, err)
		return
	}
	resp := KeyResponse{
		Principal: PrinRef{Type: prin.Type, Value: prin.Value},
		Generic:   prin.Gen,
	}
	if status != keystore.Orphaned {
		key, err := s.keys.GetKey(r.Context(), prin)
		if err != nil {
			s.writeKeyError(w, r, err)
			return
		}
		resp.Fingerprint = crypto.Fingerprint(key)
		crypto.Zero(key)
		status = keystore.Derived
	}
	resp.Status = status.String()

	if s.graph.IsGenGives(prin.Gen) {
		pub, err := s.keys.GetPublicKey(r.Context(), prin)
		switch {
		case err == nil:
			resp.PublicKeyB64 = base64.StdEncoding.EncodeToString(pub)
		case !errors.Match(errors.NotFound, err):
			s.writeKeyError(w, r, err)
			return
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}
