package fsm

import (
	"amr-logistics/internal/types"
	"errors"
	"testing"
)

func TestForwardTransitions(t *testing.T) {
	m := New()
	tests := []struct {
		from  types.LotStatus
		event Event
		want  types.LotStatus
	}{
		{types.LotNone, EventRelease, types.LotWaiting},
		{types.LotWaiting, EventAssign, types.LotAssigned},
		{types.LotNone, EventAssign, types.LotAssigned},
		{types.LotAssigned, EventAssign, types.LotAssigned},
		{types.LotAssigned, EventStart, types.LotProcessing},
		{types.LotProcessing, EventComplete, types.LotCompleted},
	}
	for _, tt := range tests {
		got, err := m.Next(tt.from, tt.event)
		if err != nil {
			t.Fatalf("%s --%s--> 返回错误: %v", tt.from, tt.event, err)
		}
		if got != tt.want {
			t.Errorf("%s --%s--> %s, want %s", tt.from, tt.event, got, tt.want)
		}
	}
}

func TestBackwardTransitionsRejected(t *testing.T) {
	m := New()
	cases := []struct {
		from  types.LotStatus
		event Event
	}{
		{types.LotAssigned, EventRelease},
		{types.LotCompleted, EventAssign},
		{types.LotProcessing, EventAssign},
		{types.LotError, EventRelease},
	}
	for _, c := range cases {
		got, err := m.Next(c.from, c.event)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s --%s--> 应被拒绝, err=%v", c.from, c.event, err)
		}
		if got != c.from {
			t.Errorf("拒绝后状态应保持为 %s, 得到 %s", c.from, got)
		}
	}
}

func TestFailReachableFromAnyStatus(t *testing.T) {
	m := New()
	for _, s := range []types.LotStatus{types.LotNone, types.LotWaiting, types.LotAssigned, types.LotProcessing, types.LotCompleted, types.LotError} {
		if got, err := m.Next(s, EventFail); err != nil || got != types.LotError {
			t.Errorf("%s --FAIL--> %s, %v", s, got, err)
		}
	}
	if !m.Can(types.LotCompleted, EventFail) {
		t.Error("Can 应返回 true")
	}
}
