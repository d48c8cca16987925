package app

import (
	"fmt"

	"github.com/dkeye/Office/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(office core.OfficeService, member core.MemberSession) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.OfficeService, core.MemberSession) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames for slow members and never kicks.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(core.OfficeService, core.MemberSession) BackpressureAction {
	return DropFrame
}

// PolicyFor maps the signal.backpressure setting to a Policy.
func PolicyFor(name string) (Policy, error) {
	switch name {
	case "", "kick":
		return SimplePolicy{}, nil
	case "drop":
		return TolerantPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
