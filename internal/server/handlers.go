package server

import (
	"encoding/json"
	"net/http"

	"github.com/rcliao/agent-context/internal/reduce"
	"github.com/rcliao/agent-context/internal/service"
)

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value      json.RawMessage `json:"value"`
		TTLSeconds int             `json:"ttlSeconds"`
	}
	if err := decode(w, r, &body, false); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.svc.CachePut(r.Context(), service.CachePutRequest{
		Key:        r.PathValue("key"),
		Value:      body.Value,
		TTLSeconds: body.TTLSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.CacheGet(r.Context(), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCacheKeys(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.svc.CacheKeys(r.Context(), r.URL.Query().Get("prefix"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.svc.CacheDelete(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "deleted": true})
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req service.AppendRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.svc.AppendMessage(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        m.ID,
		"createdAt": m.CreatedAt,
		"stored":    true,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListRequest{
		SessionID: q.Get("sessionId"),
		AgentName: q.Get("agentName"),
		UserID:    q.Get("userId"),
		Order:     q.Get("order"),
	}
	var err error
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if req.SinceHours, err = queryFloat(r, "sinceHours"); err != nil {
		writeError(w, err)
		return
	}
	if req.MinImportance, err = queryFloat(r, "minImportance"); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.svc.ListMessages(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.SearchRequest{
		Query:     q.Get("query"),
		SessionID: q.Get("sessionId"),
		AgentName: q.Get("agentName"),
	}
	var err error
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, err)
		return
	}
	if req.Budget, err = queryInt(r, "budget"); err != nil {
		writeError(w, err)
		return
	}

	res, err := s.svc.SearchMessages(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	sessions, err := s.svc.Sessions(r.Context(), r.URL.Query().Get("agentName"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleEntityUpsert(w http.ResponseWriter, r *http.Request) {
	var req service.EntityRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.svc.UpsertEntity(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.GetEntity(r.Context(), r.PathValue("entityType"), r.PathValue("entityId"), r.URL.Query().Get("agentName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleEntitySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.EntitySearchRequest{
		EntityType:   q.Get("entityType"),
		NameContains: q.Get("nameContains"),
		AgentName:    q.Get("agentName"),
	}
	var err error
	if req.MinImportance, err = queryFloat(r, "minImportance"); err != nil {
		writeError(w, err)
		return
	}
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, err)
		return
	}

	ents, err := s.svc.SearchEntities(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": ents})
}

func (s *Server) handleWorkingPut(w http.ResponseWriter, r *http.Request) {
	var req service.WorkingPutRequest
	if err := decode(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	slot, err := s.svc.PutWorking(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func workingKey(r *http.Request) service.WorkingKey {
	return service.WorkingKey{
		AgentName:   r.PathValue("agentName"),
		SessionID:   r.PathValue("sessionId"),
		ContextType: r.PathValue("contextType"),
	}
}

func (s *Server) handleWorkingGet(w http.ResponseWriter, r *http.Request) {
	slot, err := s.svc.GetWorking(r.Context(), workingKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *Server) handleWorkingList(w http.ResponseWriter, r *http.Request) {
	slots, err := s.svc.ListWorking(r.Context(), r.PathValue("agentName"), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *Server) handleWorkingClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearWorking(r.Context(), workingKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	var scope reduce.Scope
	if err := decode(w, r, &scope, true); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.svc.Reduce(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastReduction(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.LastReduction(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReductionHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.svc.ReductionHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health(r.Context())
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
