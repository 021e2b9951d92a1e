package api

import (
	"amr-logistics/internal/acs"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// CommandResponse 是出站命令接口的响应体
// Registered 为 false 时命令没有实际发送
type CommandResponse struct {
	Command    string `json:"command"`
	Registered bool   `json:"registered"`
}

// PlanHistoryRequest 是 POST /api/acs/plan-history 的请求体
type PlanHistoryRequest struct {
	PlanIDs []string `json:"planIds"`
}

func (s *Server) respondCommand(w http.ResponseWriter, command string, err error) {
	if err != nil {
		s.logger.Warn("发送 ACS 命令失败", "command", command, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, CommandResponse{Command: command, Registered: s.acs.Registered()})
}

func (s *Server) handlePlanCommand(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "id")
	var (
		send    func(ctx context.Context, planID string) error
		command string
	)
	switch chi.URLParam(r, "action") {
	case "cancel":
		send, command = s.acs.CancelPlan, acs.CmdCancelPlan
	case "abort":
		send, command = s.acs.AbortPlan, acs.CmdAbortPlan
	case "pause":
		send, command = s.acs.PausePlan, acs.CmdPausePlan
	case "resume":
		send, command = s.acs.ResumePlan, acs.CmdResumePlan
	default:
		writeError(w, http.StatusNotFound, "unknown plan action")
		return
	}
	s.respondCommand(w, command, send(r.Context(), planID))
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"registered": s.acs.Registered()})
}

func (s *Server) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	var cfg json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.respondCommand(w, acs.CmdSyncConfig, s.acs.SyncConfig(r.Context(), cfg))
}

func (s *Server) handleRequestPlans(w http.ResponseWriter, r *http.Request) {
	s.respondCommand(w, acs.CmdRequestAcsPlans, s.acs.RequestAcsPlans(r.Context()))
}

func (s *Server) handleRequestPlanHistory(w http.ResponseWriter, r *http.Request) {
	var req PlanHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.respondCommand(w, acs.CmdRequestAcsPlanHistory, s.acs.RequestAcsPlanHistory(r.Context(), req.PlanIDs))
}

func (s *Server) handleRequestErrors(w http.ResponseWriter, r *http.Request) {
	s.respondCommand(w, acs.CmdRequestAcsErrorList, s.acs.RequestAcsErrorList(r.Context()))
}
