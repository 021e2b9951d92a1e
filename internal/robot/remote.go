package robot

import (
	"amr-logistics/internal/types"
	"amr-logistics/internal/util"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// MoveRequest 是 POST /move 的请求体
type MoveRequest struct {
	RobotID string  `json:"robotId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// PositionResponse 是 GET /robots/{id}/position 的响应体
type PositionResponse struct {
	RobotID string  `json:"robotId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// RemoteDispatcher 通过 HTTP 调用远程的运动控制服务
type RemoteDispatcher struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteDispatcher 创建远程运动调度客户端
func NewRemoteDispatcher(endpoint string, timeout time.Duration, logger *slog.Logger) *RemoteDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "robot-remote", "endpoint", endpoint),
	}
}

func (d *RemoteDispatcher) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		req.Header.Set("X-Trace-ID", traceID)
	}
	return req, nil
}

// ScheduleMove 通过 POST /move 下发移动指令
func (d *RemoteDispatcher) ScheduleMove(ctx context.Context, robotID string, target types.Position) error {
	body, err := json.Marshal(MoveRequest{RobotID: robotID, X: target.X, Y: target.Y})
	if err != nil {
		return err
	}
	req, err := d.newRequest(ctx, http.MethodPost, "/move", body)
	if err != nil {
		return fmt.Errorf("create move request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("move %s: %w", robotID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		d.logger.Warn("远程服务拒绝移动指令", "robot_id", robotID, "status", resp.Status)
		return fmt.Errorf("move %s: remote returned %s", robotID, resp.Status)
	}
	return nil
}

// Position 通过 GET /robots/{id}/position 读取当前位置
func (d *RemoteDispatcher) Position(ctx context.Context, robotID string) (types.Position, error) {
	req, err := d.newRequest(ctx, http.MethodGet, "/robots/"+url.PathEscape(robotID)+"/position", nil)
	if err != nil {
		return types.Position{}, fmt.Errorf("create position request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return types.Position{}, fmt.Errorf("position %s: %w", robotID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Position{}, fmt.Errorf("position %s: remote returned %s", robotID, resp.Status)
	}
	var pr PositionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return types.Position{}, fmt.Errorf("decode position: %w", err)
	}
	return types.Position{X: pr.X, Y: pr.Y}, nil
}
