package core

import "github.com/dkeye/Office/internal/domain"

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// OfficeService is the core-facing API of an office.
// It owns the membership set but never touches transport resources.
type OfficeService interface {
	Office() *domain.Office
	MemberCount() int
	MembersSnapshot() []domain.Participant

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Member(id domain.PeerID) (MemberSession, bool)
	Broadcast(from SessionID, data Frame) PublishResult
}

type OfficeInfo struct {
	Name        domain.OfficeName `json:"name"`
	MemberCount int               `json:"participant_count"`
}

type OfficeManager interface {
	GetOrCreate(name domain.OfficeName) OfficeService
	Get(name domain.OfficeName) (OfficeService, bool)
	List() []OfficeInfo
	StopOffice(name domain.OfficeName)
}
