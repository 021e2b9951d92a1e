package api

import (
	"amr-logistics/internal/store"
	"amr-logistics/internal/types"
	"amr-logistics/internal/util"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CreateLotRequest 是 POST /api/lots 的请求体
type CreateLotRequest struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Priority    int                 `json:"priority"`
	Product     string              `json:"product"`
	Description string              `json:"description"`
	CassetteIDs []string            `json:"cassetteIds"`
	Steps       []CreateStepRequest `json:"steps"`
}

// CreateStepRequest 是新 Lot 中的一个步骤；cassetteIds 为空时使用 Lot 的全部 Cassette
type CreateStepRequest struct {
	ID          string            `json:"id"`
	Process     string            `json:"process"`
	Params      map[string]string `json:"params"`
	CassetteIDs []string          `json:"cassetteIds"`
}

// StateResponse 是 GET /api/state 的响应体
type StateResponse struct {
	Lots          []types.Lot   `json:"lots"`
	Areas         []types.Area  `json:"areas"`
	Robots        []types.Robot `json:"robots"`
	ACSRegistered bool          `json:"acsRegistered"`
}

func (req CreateLotRequest) toLot() (types.Lot, error) {
	if len(req.CassetteIDs) == 0 {
		return types.Lot{}, errors.New("cassetteIds is required")
	}
	lot := types.Lot{
		ID:           req.ID,
		Name:         req.Name,
		Status:       types.LotNone,
		Priority:     req.Priority,
		ReceivedTime: time.Now().UTC(),
		Product:      req.Product,
		Description:  req.Description,
		CassetteIDs:  append([]string(nil), req.CassetteIDs...),
	}
	if lot.ID == "" {
		lot.ID = util.NewID("lot")
	}
	steps := req.Steps
	if len(steps) == 0 {
		steps = []CreateStepRequest{{}}
	}
	for i, sr := range steps {
		step := types.LotStep{
			ID:          sr.ID,
			LotID:       lot.ID,
			Sequence:    i + 1,
			Process:     sr.Process,
			Params:      sr.Params,
			CassetteIDs: sr.CassetteIDs,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("%s-S%d", lot.ID, i+1)
		}
		if len(step.CassetteIDs) == 0 {
			step.CassetteIDs = append([]string(nil), lot.CassetteIDs...)
		}
		for _, c := range step.CassetteIDs {
			step.Carriers = append(step.Carriers, types.CarrierRef{ID: c, Kind: types.CarrierCassette})
		}
		lot.Steps = append(lot.Steps, step)
	}
	return lot, nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lots, err := s.store.ListLots(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	areas, err := s.store.ListAreas(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	robots, err := s.store.ListRobots(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{Lots: lots, Areas: areas, Robots: robots, ACSRegistered: s.acs.Registered()})
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.store.ListLots(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	lot, err := req.toLot()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.GetLot(r.Context(), lot.ID); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("lot %s already exists", lot.ID))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	if err := s.store.SaveLot(r.Context(), lot); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("创建 Lot", "lot_id", lot.ID, "cassettes", len(lot.CassetteIDs), "steps", len(lot.Steps))
	writeJSON(w, http.StatusCreated, lot)
}

func (s *Server) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := s.store.GetLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// handleReleaseLot 把 Lot 推进到 Waiting 并提交规划
func (s *Server) handleReleaseLot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lot, err := s.releaser.Release(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.submitter.Submit(r.Context(), id)
	writeJSON(w, http.StatusAccepted, lot)
}
