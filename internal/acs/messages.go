package acs

import (
	"amr-logistics/internal/types"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// 入站命令 (ACS -> 规划服务)
const (
	CmdRegistration       = "Registration"
	CmdPlanReport         = "PlanReport"
	CmdStepReport         = "StepReport"
	CmdJobReport          = "JobReport"
	CmdErrorReport        = "ErrorReport"
	CmdRobotStatusUpdate  = "RobotStatusUpdate"
	CmdCommStateUpdate    = "CommStateUpdate"
	CmdCancelResultReport = "CancelResultReport"
	CmdAbortResultReport  = "AbortResultReport"
	CmdPauseResultReport  = "PauseResultReport"
	CmdResumeResultReport = "ResumeResultReport"
)

// 出站命令 (规划服务 -> ACS)
const (
	CmdExecutionPlan         = "ExecutionPlan"
	CmdCancelPlan            = "CancelPlan"
	CmdAbortPlan             = "AbortPlan"
	CmdPausePlan             = "PausePlan"
	CmdResumePlan            = "ResumePlan"
	CmdSyncConfig            = "SyncConfig"
	CmdRequestAcsPlans       = "RequestAcsPlans"
	CmdRequestAcsPlanHistory = "RequestAcsPlanHistory"
	CmdRequestAcsErrorList   = "RequestAcsErrorList"
)

// 应答结果
const (
	ResultSuccess = "Success"
	ResultFail    = "Fail"
)

const ackSuffix = "Ack"

// reports 是除 Registration 外所有按同一方式应答的入站命令
var reports = map[string]bool{
	CmdPlanReport:         true,
	CmdStepReport:         true,
	CmdJobReport:          true,
	CmdErrorReport:        true,
	CmdRobotStatusUpdate:  true,
	CmdCommStateUpdate:    true,
	CmdCancelResultReport: true,
	CmdAbortResultReport:  true,
	CmdPauseResultReport:  true,
	CmdResumeResultReport: true,
}

// Envelope 是每一帧消息的外层结构
type Envelope struct {
	Command       string          `json:"command"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
	Result        string          `json:"result,omitempty"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// IsAck 判断命令是否为应答；应答只记录日志，不会分发给业务处理
func IsAck(command string) bool {
	return strings.HasSuffix(command, ackSuffix)
}

// AckOf 返回命令对应的应答命令名
func AckOf(command string) string {
	return command + ackSuffix
}

// IsReport 判断是否为已知的上报类命令
func IsReport(command string) bool {
	return reports[command]
}

// RegistrationPayload 是 Registration 应答中的会话信息
type RegistrationPayload struct {
	SessionID string `json:"sessionId"`
}

// ReportPayload 是上报类命令中用于关联的字段，其余字段不做校验
type ReportPayload struct {
	PlanID string `json:"planId,omitempty"`
	LotID  string `json:"lotId,omitempty"`
}

// PlanRef 是 Cancel/Abort/Pause/Resume 的负载
type PlanRef struct {
	PlanID string `json:"planId"`
}

// PlanHistoryRequest 是 RequestAcsPlanHistory 的负载
type PlanHistoryRequest struct {
	PlanIDs []string `json:"planIds"`
}

// ExecutionPlanPayload 是下发给 ACS 的执行计划
type ExecutionPlanPayload struct {
	PlanID    string          `json:"planId"`
	LotID     string          `json:"lotId"`
	CarrierID string          `json:"carrierId,omitempty"`
	Priority  int             `json:"priority"`
	Steps     []ExecutionStep `json:"steps"`
}

// ExecutionStep 是执行计划中的一个步骤
type ExecutionStep struct {
	StepNo     int              `json:"stepNo"`
	Action     types.PlanAction `json:"action"`
	Position   StepPosition     `json:"position"`
	CarrierIDs []string         `json:"carrierIds"`
	Jobs       []ExecutionJob   `json:"jobs"`
}

// StepPosition 是步骤的目标位置
type StepPosition struct {
	LocationID string  `json:"locationId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

// ExecutionJob 是步骤内的单段移动
type ExecutionJob struct {
	JobNo int    `json:"jobNo"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// LocationReader 用于解析步骤目标位置的坐标
type LocationReader interface {
	GetLocation(ctx context.Context, id string) (types.Location, error)
}

// BuildExecutionPlan 把一个 Plan 转换为 ExecutionPlan 负载
// 无法解析坐标的位置只带 ID
func BuildExecutionPlan(ctx context.Context, lot types.Lot, plan types.Plan, locations LocationReader) ExecutionPlanPayload {
	payload := ExecutionPlanPayload{
		PlanID:    plan.ID,
		LotID:     lot.ID,
		CarrierID: plan.CarrierID,
		Priority:  lot.Priority,
		Steps:     make([]ExecutionStep, 0, len(plan.Steps)),
	}
	for _, ps := range plan.Steps {
		step := ExecutionStep{
			StepNo:     ps.Sequence,
			Action:     ps.Action,
			Position:   StepPosition{LocationID: ps.TargetLocationID},
			CarrierIDs: append([]string{}, ps.CarrierIDs...),
			Jobs:       make([]ExecutionJob, 0, len(ps.Jobs)),
		}
		if locations != nil {
			if loc, err := locations.GetLocation(ctx, ps.TargetLocationID); err == nil {
				step.Position.X = loc.Position.X
				step.Position.Y = loc.Position.Y
			}
		}
		for _, job := range ps.Jobs {
			step.Jobs = append(step.Jobs, ExecutionJob{JobNo: job.Sequence, From: job.FromLocationID, To: job.ToLocationID})
		}
		payload.Steps = append(payload.Steps, step)
	}
	return payload
}
