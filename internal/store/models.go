package store

import "time"

type User struct {
	ID    string
	Name  string
	Email string
}

type Group struct {
	ID          int64
	Name        string
	CreatedAt   time.Time
	DissolvedAt *time.Time
}

func (g Group) Active() bool {
	return g.DissolvedAt == nil
}

// Status is the lifecycle state of a merge request.
type Status string

const (
	StatusAwaitSource Status = "await_src"
	StatusAwaitTarget Status = "await_tgt"
	StatusMerged      Status = "merged"
	StatusRejected    Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusMerged || s == StatusRejected
}

// ActiveSide reports which side must vote while the request is in s.
func (s Status) ActiveSide() (Side, bool) {
	switch s {
	case StatusAwaitSource:
		return SideSource, true
	case StatusAwaitTarget:
		return SideTarget, true
	default:
		return "", false
	}
}

// Side is one half of a merge request.
type Side string

const (
	SideSource Side = "src"
	SideTarget Side = "tgt"
)

func (s Side) Other() Side {
	if s == SideSource {
		return SideTarget
	}
	return SideSource
}

// AwaitStatus is the status in which s is the voting side.
func (s Side) AwaitStatus() Status {
	if s == SideSource {
		return StatusAwaitSource
	}
	return StatusAwaitTarget
}

func (s Side) Valid() bool {
	return s == SideSource || s == SideTarget
}

type MergeRequest struct {
	ID              int64
	InitiatorUserID string
	ReceiverUserID  string
	SourceGroupID   int64
	TargetGroupID   int64
	Status          Status
	SourceSnapshot  []string
	TargetSnapshot  []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// GroupID returns the group on the given side.
func (m MergeRequest) GroupID(side Side) int64 {
	if side == SideSource {
		return m.SourceGroupID
	}
	return m.TargetGroupID
}

// Snapshot returns the frozen electorate of the given side.
func (m MergeRequest) Snapshot(side Side) []string {
	if side == SideSource {
		return m.SourceSnapshot
	}
	return m.TargetSnapshot
}

type MergeApproval struct {
	MergeRequestID int64
	ApproverUserID string
	Side           Side
	Approved       bool
	CreatedAt      time.Time
}

// ProfileSummary is the counterpart card shown in the sent and received lists.
type ProfileSummary struct {
	CountryCode string
	SchoolCode  string
	ClassYear   int
	Bio         string
}

type MergeRequestSummary struct {
	MergeRequestID int64
	Status         Status
	UserID         string
	UserName       string
	Profile        ProfileSummary
	Rating         float64
	GroupName      string
	CreatedAt      time.Time
}
