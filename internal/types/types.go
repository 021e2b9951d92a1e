package types

import (
	"fmt"
	"time"
)

// LotStatus 定义生产批次 (Lot) 的状态
// 状态只能向前推进，Error 可以从任意状态进入
type LotStatus string

const (
	LotNone       LotStatus = "None"       // 新建，尚未下发
	LotWaiting    LotStatus = "Waiting"    // 已下发，等待规划
	LotAssigned   LotStatus = "Assigned"   // 搬运计划已生成
	LotProcessing LotStatus = "Processing" // 执行中
	LotCompleted  LotStatus = "Completed"  // 已完成
	LotError      LotStatus = "Error"      // 异常
)

// Lot 表示一个生产批次 (工单)
// LotStep 由 Lot 持有，随 Lot 一起创建和销毁
type Lot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       LotStatus `json:"status"`
	Priority     int       `json:"priority"`     // 数值越大优先级越高
	ReceivedTime time.Time `json:"receivedTime"` // 接收时间
	Product      string    `json:"product,omitempty"`
	Description  string    `json:"description,omitempty"`
	CassetteIDs  []string  `json:"cassetteIds"`
	Steps        []LotStep `json:"steps"`
	LastError    string    `json:"lastError,omitempty"`
}

// CarrierKind 定义载具类型: Cassette 装 Tray，Tray 装 Memory
type CarrierKind string

const (
	CarrierCassette CarrierKind = "Cassette"
	CarrierTray     CarrierKind = "Tray"
	CarrierMemory   CarrierKind = "Memory"
)

// CarrierRef 是对某个载具的引用
type CarrierRef struct {
	ID       string      `json:"id"`
	Kind     CarrierKind `json:"kind"`
	ParentID string      `json:"parentId,omitempty"`
}

// LotStep 是 Lot 的一个加工步骤，引用 Lot 中的一部分 Cassette
type LotStep struct {
	ID          string            `json:"id"`
	LotID       string            `json:"lotId"` // 反向引用，不持有
	Sequence    int               `json:"sequence"`
	Process     string            `json:"process,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	CassetteIDs []string          `json:"cassetteIds"`
	Carriers    []CarrierRef      `json:"carriers,omitempty"`
	PlanGroups  []PlanGroup       `json:"planGroups,omitempty"`
}

// Planned 表示该步骤是否已生成过搬运计划
func (s LotStep) Planned() bool {
	return len(s.PlanGroups) > 0
}

// PlanGroupType 定义计划组的阶段类型
type PlanGroupType string

const (
	StockerToArea PlanGroupType = "StockerToArea" // 立体库 -> 缓存区
	AreaToSet     PlanGroupType = "AreaToSet"     // 缓存区 -> 测试座
	SetToArea     PlanGroupType = "SetToArea"     // 测试座 -> 缓存区
	AreaToStocker PlanGroupType = "AreaToStocker" // 缓存区 -> 立体库
)

// StageOrder 是每个 LotStep 的固定阶段顺序
var StageOrder = []PlanGroupType{StockerToArea, AreaToSet, SetToArea, AreaToStocker}

// PlanGroup 是同一阶段内所有 Plan 的集合
type PlanGroup struct {
	ID    string        `json:"id"`
	Type  PlanGroupType `json:"groupType"`
	Plans []Plan        `json:"plans"`
}

// Plan 是一个载具在一个阶段内的完整路径
type Plan struct {
	ID        string     `json:"id"`
	CarrierID string     `json:"carrierId"`
	Steps     []PlanStep `json:"steps"`
}

// PlanAction 定义计划步骤的动作
type PlanAction string

const (
	ActionCassetteLoad       PlanAction = "CassetteLoad"
	ActionCassetteUnload     PlanAction = "CassetteUnload"
	ActionTrayLoad           PlanAction = "TrayLoad"
	ActionTrayUnload         PlanAction = "TrayUnload"
	ActionMemoryPickAndPlace PlanAction = "MemoryPickAndPlace"
)

// PlanStep 是在某个位置上的一个逻辑动作
type PlanStep struct {
	ID               string     `json:"id"`
	Sequence         int        `json:"sequence"`
	Action           PlanAction `json:"action"`
	TargetLocationID string     `json:"targetLocationId"`
	Jobs             []Job      `json:"jobs"`
	CarrierIDs       []string   `json:"carrierIds"`
}

// Job 是一次原子的取放动作 (单跳)
type Job struct {
	ID             string `json:"id"`
	Sequence       int    `json:"sequence"`
	FromLocationID string `json:"fromLocation"`
	ToLocationID   string `json:"toLocation"`
}

// AreaStatus 定义缓存区状态
type AreaStatus string

const (
	AreaIdle     AreaStatus = "Idle"
	AreaBusy     AreaStatus = "Busy"
	AreaDisabled AreaStatus = "Disabled"
)

// Set 是一组 Memory 端口 (测试座)
type Set struct {
	ID          string   `json:"id"`
	MemoryPorts []string `json:"memoryPorts"`
}

// Area 是一个缓存区，持有 Cassette 端口、Tray 端口以及若干 Set
// 占用率不单独存储，由子位置的载具槽位推导
type Area struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Status        AreaStatus `json:"status"`
	CassettePorts []string   `json:"cassettePorts"`
	TrayPorts     []string   `json:"trayPorts"`
	Sets          []Set      `json:"sets"`
}

// Position 是平面坐标
type Position struct {
	X float64 `json:"x" mapstructure:"x"`
	Y float64 `json:"y" mapstructure:"y"`
}

// LocationKind 是位置的封闭变体
type LocationKind string

const (
	KindCassette LocationKind = "Cassette"
	KindTray     LocationKind = "Tray"
	KindMemory   LocationKind = "Memory"
	KindMarker   LocationKind = "Marker" // AMR 路径点，表示"在车上"
)

// CanStore 表示该类位置是否可以存放载具
func (k LocationKind) CanStore() bool {
	switch k {
	case KindCassette, KindTray, KindMemory:
		return true
	case KindMarker:
		return false
	}
	return false
}

// Valid 检查位置类型是否属于已知变体
func (k LocationKind) Valid() bool {
	switch k {
	case KindCassette, KindTray, KindMemory, KindMarker:
		return true
	}
	return false
}

// Location 表示一个物理位置
// 同一时刻一个可存储位置最多只有一个载具
type Location struct {
	ID            string       `json:"id"`
	Kind          LocationKind `json:"kind"`
	Position      Position     `json:"position"`
	CurrentItemID string       `json:"currentItemId,omitempty"` // 当前占用的载具
	ReservedFor   string       `json:"reservedFor,omitempty"`   // 已被规划预留给的载具
	ParentID      string       `json:"parentId,omitempty"`
	Children      []string     `json:"children,omitempty"`
}

// Occupied 表示位置已被占用或已被预留
func (l Location) Occupied() bool {
	return l.CurrentItemID != "" || l.ReservedFor != ""
}

// Free 表示位置可以接收新的载具
func (l Location) Free() bool {
	return l.Kind.CanStore() && !l.Occupied()
}

// Holds 表示位置当前放着或预留给指定载具
func (l Location) Holds(carrierID string) bool {
	return carrierID != "" && (l.CurrentItemID == carrierID || l.ReservedFor == carrierID)
}

// RobotType 定义机器人类型
type RobotType string

const (
	RobotLogistics RobotType = "Logistics" // AMR 搬运车
	RobotControl   RobotType = "Control"   // 机台内取放机械手
)

// Robot 表示一台机器人
type Robot struct {
	ID          string    `json:"id"`
	Type        RobotType `json:"type"`
	Position    Position  `json:"position"`
	LocationIDs []string  `json:"locationIds,omitempty"`
}

// MarkerID 返回机器人专属的路径点 ID
func MarkerID(robotID string) string {
	return robotID + ".CP01"
}

// TrayPortID 返回缓存区的第一个 Tray 端口
func TrayPortID(areaID string) string {
	return areaID + ".CP01.TP01"
}

// MemoryPortID 返回缓存区第一个 Set 的第一个 Memory 端口
func MemoryPortID(areaID string) string {
	return areaID + ".SET01.MP01"
}

// CassettePortID 返回容器下第 n 个 Cassette 端口 (从 1 开始)
func CassettePortID(parentID string, n int) string {
	return fmt.Sprintf("%s.CP%02d", parentID, n)
}
