package api

import (
	"net/http"
)

// GenericInfo describes one generic of the access graph
type GenericInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
	Gives   bool     `json:"gives"`
}

// EdgeInfo describes one access edge
type EdgeInfo struct {
	HasAccess string `json:"has_access"`
	AccessTo  string `json:"access_to"`
	Table     string `json:"table"`
}

// GraphResponse represents the graph response
type GraphResponse struct {
	Generics []GenericInfo `json:"generics"`
	Edges    []EdgeInfo    `json:"edges"`
}

// HandleGetGraph implements GET /v1/graph
func (s *Server) HandleGetGraph(w http.ResponseWriter, r *http.Request) {
	resp := GraphResponse{
		Generics: []GenericInfo{},
		Edges:    []EdgeInfo{},
	}
	for _, gen := range s.graph.Generics() {
		resp.Generics = append(resp.Generics, GenericInfo{
			Name:    gen,
			Members: s.graph.Members(gen),
			Gives:   s.graph.IsGenGives(gen),
		})
	}
	for _, e := range s.graph.Edges() {
		resp.Edges = append(resp.Edges, EdgeInfo{HasAccess: e.HasAccess, AccessTo: e.AccessTo, Table: e.Table})
	}
	WriteJSON(w, http.StatusOK, resp)
}
