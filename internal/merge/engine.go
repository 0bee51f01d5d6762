// Package merge implements the group merge workflow: opening a merge request
// with frozen per-side electorates, recording votes, and advancing or
// finalizing the request once a side is unanimous.
package merge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"boilermate/api/internal/metrics"
	"boilermate/api/internal/store"
)

type dataStore interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
	ListSentMergeRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error)
	ListReceivedMergeRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error)
}

type Engine struct {
	store dataStore
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(dataStore dataStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: dataStore, log: logger, now: time.Now}
}

// Finalization describes the membership transfer performed when a request
// reaches merged.
type Finalization struct {
	SurvivingGroupID int64
	AbsorbedGroupID  int64
	MovedMembers     int64
}

// VoteResult is the settled state of a request after a vote or finalize call.
type VoteResult struct {
	Request      store.MergeRequest
	Previous     store.Status
	Status       store.Status
	Finalization *Finalization
}

func (r VoteResult) Transitioned() bool {
	return r.Previous != r.Status
}

// Detail is a merge request together with every recorded vote.
type Detail struct {
	Request   store.MergeRequest
	Approvals map[store.Side][]store.MergeApproval
}

// Open proposes merging the initiator's active group (source) with the
// counterpart's active group (target), snapshotting both memberships.
func (e *Engine) Open(ctx context.Context, initiatorUserID, counterpartUserID string) (store.MergeRequest, error) {
	if initiatorUserID == "" {
		return store.MergeRequest{}, unauthenticated("You must be signed in to send a merge request!")
	}
	if initiatorUserID == counterpartUserID {
		return store.MergeRequest{}, newError(KindForbidden, http.StatusConflict, "You cannot send a merge request to yourself!")
	}

	var request store.MergeRequest
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		source, err := tx.ActiveGroupOf(ctx, initiatorUserID)
		if errors.Is(err, store.ErrNotFound) {
			return conflict("One of you two are not in a group yet!")
		}
		if err != nil {
			return err
		}
		target, err := tx.ActiveGroupOf(ctx, counterpartUserID)
		if errors.Is(err, store.ErrNotFound) {
			return conflict("One of you two are not in a group yet!")
		}
		if err != nil {
			return err
		}
		if source.ID == target.ID {
			return conflict("You are already in the same group!")
		}

		sourceSnapshot, err := tx.SnapshotMembership(ctx, source.ID)
		if err != nil {
			return err
		}
		targetSnapshot, err := tx.SnapshotMembership(ctx, target.ID)
		if err != nil {
			return err
		}
		if len(sourceSnapshot) == 0 || len(targetSnapshot) == 0 {
			return conflict("Both groups must have at least 1 member to merge.")
		}

		request = store.MergeRequest{
			InitiatorUserID: initiatorUserID,
			ReceiverUserID:  counterpartUserID,
			SourceGroupID:   source.ID,
			TargetGroupID:   target.ID,
			Status:          FirstSide(len(sourceSnapshot), len(targetSnapshot)).AwaitStatus(),
			SourceSnapshot:  sourceSnapshot,
			TargetSnapshot:  targetSnapshot,
		}
		id, err := tx.OpenMergeRequest(ctx, request)
		if errors.Is(err, store.ErrConflict) {
			return conflict("There already is an open merge request between your groups!")
		}
		if err != nil {
			return err
		}
		request.ID = id
		return nil
	})
	if err != nil {
		return store.MergeRequest{}, err
	}

	metrics.MergeRequestsOpened.Inc()
	e.log.Info("merge request opened",
		zap.Int64("merge_request_id", request.ID),
		zap.Int64("source_group_id", request.SourceGroupID),
		zap.Int64("target_group_id", request.TargetGroupID),
		zap.String("status", string(request.Status)),
	)
	return request, nil
}

// Vote records the voter's decision for the active side and settles the
// request: a rejection vetoes it, a unanimous first side hands over to the
// other side, and a unanimous second side finalizes the merge.
func (e *Engine) Vote(ctx context.Context, mergeRequestID int64, voterUserID string, approved bool) (VoteResult, error) {
	if voterUserID == "" {
		return VoteResult{}, unauthenticated("You must be signed in to vote on a merge request!")
	}

	var result VoteResult
	var side store.Side
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		result = VoteResult{}
		request, err := tx.LockMergeRequest(ctx, mergeRequestID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Merge request not found.")
		}
		if err != nil {
			return err
		}
		if request.Status.Terminal() {
			return conflict("Merge request is no longer active.")
		}
		var ok bool
		side, ok = request.Status.ActiveSide()
		if !ok {
			return conflict("Merge request is no longer open for approval.")
		}
		if !slices.Contains(request.Snapshot(side), voterUserID) {
			return forbidden("You are not a required approver for this phase.")
		}

		if err := tx.UpsertApproval(ctx, store.MergeApproval{
			MergeRequestID: mergeRequestID,
			ApproverUserID: voterUserID,
			Side:           side,
			Approved:       approved,
		}); err != nil {
			return err
		}

		result, err = e.settle(ctx, tx, request, side)
		return err
	})
	if err != nil {
		return VoteResult{}, err
	}

	metrics.Votes.WithLabelValues(string(side), strconv.FormatBool(approved)).Inc()
	e.observe(result)
	return result, nil
}

// settle re-evaluates the active side after a vote. Veto is checked before
// quorum on every pass.
func (e *Engine) settle(ctx context.Context, tx store.Tx, request store.MergeRequest, side store.Side) (VoteResult, error) {
	votes, err := tx.ListApprovals(ctx, request.ID, side)
	if err != nil {
		return VoteResult{}, err
	}

	switch Tally(request.Snapshot(side), votes) {
	case OutcomeVetoed:
		return e.transition(ctx, tx, request, store.StatusRejected)
	case OutcomeApproved:
		if side == firstSideOf(request) {
			return e.transition(ctx, tx, request, side.Other().AwaitStatus())
		}
		return e.finalize(ctx, tx, request)
	default:
		return VoteResult{Request: request, Previous: request.Status, Status: request.Status}, nil
	}
}

// transition moves the request forward with a compare-and-swap. Losing the
// swap is not an error: the current status is re-read and reported.
func (e *Engine) transition(ctx context.Context, tx store.Tx, request store.MergeRequest, to store.Status) (VoteResult, error) {
	advanced, err := tx.AdvanceMergeRequest(ctx, request.ID, request.Status, to)
	if err != nil {
		return VoteResult{}, err
	}
	if !advanced {
		return e.reread(ctx, tx, request)
	}
	result := VoteResult{Request: request, Previous: request.Status, Status: to}
	result.Request.Status = to
	return result, nil
}

func (e *Engine) reread(ctx context.Context, tx store.Tx, request store.MergeRequest) (VoteResult, error) {
	current, err := tx.GetMergeRequest(ctx, request.ID)
	if err != nil {
		return VoteResult{}, err
	}
	return VoteResult{Request: current, Previous: current.Status, Status: current.Status}, nil
}

// finalize folds the smaller group (by live membership) into the larger one,
// dissolves it and marks the request merged, all inside tx. The status swap
// runs first so that a losing racer moves no members.
func (e *Engine) finalize(ctx context.Context, tx store.Tx, request store.MergeRequest) (VoteResult, error) {
	sourceGroup, err := tx.GetGroup(ctx, request.SourceGroupID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("load source group: %w", err)
	}
	targetGroup, err := tx.GetGroup(ctx, request.TargetGroupID)
	if err != nil {
		return VoteResult{}, fmt.Errorf("load target group: %w", err)
	}
	if !sourceGroup.Active() || !targetGroup.Active() {
		// One side was absorbed by another merge while this one was pending.
		e.log.Warn("merge request references a dissolved group",
			zap.Int64("merge_request_id", request.ID),
			zap.Int64("source_group_id", sourceGroup.ID),
			zap.Int64("target_group_id", targetGroup.ID),
		)
		return e.transition(ctx, tx, request, store.StatusRejected)
	}

	advanced, err := tx.AdvanceMergeRequest(ctx, request.ID, request.Status, store.StatusMerged)
	if err != nil {
		return VoteResult{}, err
	}
	if !advanced {
		return e.reread(ctx, tx, request)
	}

	sourceCount, err := tx.CountMembers(ctx, request.SourceGroupID)
	if err != nil {
		return VoteResult{}, err
	}
	targetCount, err := tx.CountMembers(ctx, request.TargetGroupID)
	if err != nil {
		return VoteResult{}, err
	}

	absorbedSide := AbsorbedSide(sourceCount, targetCount)
	absorbed := request.GroupID(absorbedSide)
	surviving := request.GroupID(absorbedSide.Other())

	moved, err := tx.TransferMembership(ctx, absorbed, surviving)
	if err != nil {
		return VoteResult{}, err
	}
	if err := tx.Dissolve(ctx, absorbed, e.now()); err != nil {
		return VoteResult{}, fmt.Errorf("dissolve absorbed group: %w", err)
	}

	result := VoteResult{
		Request:  request,
		Previous: request.Status,
		Status:   store.StatusMerged,
		Finalization: &Finalization{
			SurvivingGroupID: surviving,
			AbsorbedGroupID:  absorbed,
			MovedMembers:     moved,
		},
	}
	result.Request.Status = store.StatusMerged
	return result, nil
}

// Finalize re-checks a pending request whose both sides are already unanimous
// and completes the merge. It is the recovery path for a request left behind
// in an await state; regular votes finalize on their own.
func (e *Engine) Finalize(ctx context.Context, mergeRequestID int64, callerUserID string) (VoteResult, error) {
	if callerUserID == "" {
		return VoteResult{}, unauthenticated("You must be signed in to finalize a merge request!")
	}

	var result VoteResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		result = VoteResult{}
		request, err := tx.LockMergeRequest(ctx, mergeRequestID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Merge request not found.")
		}
		if err != nil {
			return err
		}
		if request.Status.Terminal() {
			return conflict("Merge request is no longer active.")
		}
		if !slices.Contains(request.SourceSnapshot, callerUserID) && !slices.Contains(request.TargetSnapshot, callerUserID) {
			return forbidden("You are not a participant of this merge request.")
		}

		for _, side := range []store.Side{store.SideSource, store.SideTarget} {
			votes, err := tx.ListApprovals(ctx, request.ID, side)
			if err != nil {
				return err
			}
			if Tally(request.Snapshot(side), votes) != OutcomeApproved {
				return conflict("Merge request is not fully approved yet.")
			}
		}

		result, err = e.finalize(ctx, tx, request)
		return err
	})
	if err != nil {
		return VoteResult{}, err
	}
	e.observe(result)
	return result, nil
}

func (e *Engine) observe(result VoteResult) {
	if !result.Transitioned() {
		return
	}
	metrics.Transitions.WithLabelValues(string(result.Status)).Inc()
	fields := []zap.Field{
		zap.Int64("merge_request_id", result.Request.ID),
		zap.String("from", string(result.Previous)),
		zap.String("to", string(result.Status)),
	}
	if f := result.Finalization; f != nil {
		fields = append(fields,
			zap.Int64("surviving_group_id", f.SurvivingGroupID),
			zap.Int64("absorbed_group_id", f.AbsorbedGroupID),
			zap.Int64("moved_members", f.MovedMembers),
		)
	}
	e.log.Info("merge request transitioned", fields...)
}

// Get returns the request and its votes. Only members of either snapshot may
// read it.
func (e *Engine) Get(ctx context.Context, mergeRequestID int64, viewerUserID string) (Detail, error) {
	if viewerUserID == "" {
		return Detail{}, unauthenticated("You must be signed in to see merge requests!")
	}

	var detail Detail
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		request, err := tx.GetMergeRequest(ctx, mergeRequestID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("Merge request not found.")
		}
		if err != nil {
			return err
		}
		if !slices.Contains(request.SourceSnapshot, viewerUserID) && !slices.Contains(request.TargetSnapshot, viewerUserID) {
			return forbidden("You are not a participant of this merge request.")
		}
		detail = Detail{Request: request, Approvals: make(map[store.Side][]store.MergeApproval, 2)}
		for _, side := range []store.Side{store.SideSource, store.SideTarget} {
			votes, err := tx.ListApprovals(ctx, request.ID, side)
			if err != nil {
				return err
			}
			detail.Approvals[side] = votes
		}
		return nil
	})
	if err != nil {
		return Detail{}, err
	}
	return detail, nil
}

func (e *Engine) SentRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error) {
	if userID == "" {
		return nil, unauthenticated("You must be signed in to see your merge requests!")
	}
	return e.store.ListSentMergeRequests(ctx, userID)
}

func (e *Engine) ReceivedRequests(ctx context.Context, userID string) ([]store.MergeRequestSummary, error) {
	if userID == "" {
		return nil, unauthenticated("You must be signed in to see your merge requests!")
	}
	return e.store.ListReceivedMergeRequests(ctx, userID)
}
