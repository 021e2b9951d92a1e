package robot

import (
	"amr-logistics/internal/types"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewHandler 把模拟车队暴露为 RemoteDispatcher 使用的 HTTP 接口
func NewHandler(fleet *SimFleet, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "robot-http")
	r := chi.NewRouter()

	r.Post("/move", func(w http.ResponseWriter, r *http.Request) {
		var req MoveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		taskLogger := logger.With("robot_id", req.RobotID)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			taskLogger = taskLogger.With("trace_id", traceID)
		}
		target := types.Position{X: req.X, Y: req.Y}
		if err := fleet.ScheduleMove(r.Context(), req.RobotID, target); err != nil {
			taskLogger.Warn("移动指令被拒绝", "error", err)
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		taskLogger.Info("接收到移动指令", "x", req.X, "y", req.Y)
		w.WriteHeader(http.StatusAccepted)
	})

	r.Get("/robots/{id}/position", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		pos, err := fleet.Position(r.Context(), id)
		if errors.Is(err, ErrUnknownRobot) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PositionResponse{RobotID: id, X: pos.X, Y: pos.Y})
	})

	return r
}
