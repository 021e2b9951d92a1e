package acs

import (
	"errors"
	"sync"
)

var (
	// ErrNoSession 表示当前没有已注册的 ACS 会话
	ErrNoSession = errors.New("no registered acs session")
	// ErrSessionActive 表示已有其他连接完成注册
	ErrSessionActive = errors.New("another acs session is already registered")
)

// State 是会话状态
type State string

const (
	StateNoClient            State = "NoClient"
	StatePendingRegistration State = "PendingRegistration"
	StateRegistered          State = "Registered"
)

// Conn 是一条 ACS 连接，Send 必须可以并发调用
type Conn interface {
	Send(env Envelope) error
	Close() error
	RemoteAddr() string
}

// Session 保存唯一 ACS 会话的状态，只能通过 Connect / Register / Disconnect 改变
type Session struct {
	mu        sync.Mutex
	pending   map[Conn]struct{}
	active    Conn
	sessionID string
	newID     func() string
}

// NewSession 创建会话状态，newID 用于生成会话 ID
func NewSession(newID func() string) *Session {
	return &Session{pending: make(map[Conn]struct{}), newID: newID}
}

// State 返回当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.active != nil:
		return StateRegistered
	case len(s.pending) > 0:
		return StatePendingRegistration
	default:
		return StateNoClient
	}
}

// Admit 判断是否允许新的物理连接；已注册时一律拒绝
func (s *Session) Admit() bool {
	return s.State() != StateRegistered
}

// Connect 登记一条等待注册的连接
func (s *Session) Connect(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrSessionActive
	}
	s.pending[c] = struct{}{}
	return nil
}

// Register 将连接提升为活动会话；同一连接重复注册返回原会话 ID
func (s *Session) Register(c Conn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if s.active == c {
			return s.sessionID, nil
		}
		return "", ErrSessionActive
	}
	delete(s.pending, c)
	s.active = c
	s.sessionID = s.newID()
	return s.sessionID, nil
}

// Disconnect 移除连接，返回它是否是活动会话
func (s *Session) Disconnect(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, c)
	if s.active != c {
		return false
	}
	s.active = nil
	s.sessionID = ""
	return true
}

// IsActive 判断连接是否为当前活动会话
func (s *Session) IsActive(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active == c
}

// Active 返回活动连接和会话 ID
func (s *Session) Active() (Conn, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.sessionID, s.active != nil
}
