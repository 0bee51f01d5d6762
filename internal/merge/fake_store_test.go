package merge

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"boilermate/api/internal/store"
)

// memState is the whole database of the fake. InTx works on a deep copy and
// swaps it in only when fn succeeds, so a failed callback leaves no trace.
type memState struct {
	groups        map[int64]store.Group
	members       map[int64]map[string]struct{}
	requests      map[int64]store.MergeRequest
	approvals     map[int64]map[string]store.MergeApproval
	nextGroupID   int64
	nextRequestID int64
	transfers     int
	advances      int
}

func (s *memState) clone() *memState {
	next := &memState{
		groups:        maps.Clone(s.groups),
		members:       make(map[int64]map[string]struct{}, len(s.members)),
		requests:      make(map[int64]store.MergeRequest, len(s.requests)),
		approvals:     make(map[int64]map[string]store.MergeApproval, len(s.approvals)),
		nextGroupID:   s.nextGroupID,
		nextRequestID: s.nextRequestID,
		transfers:     s.transfers,
		advances:      s.advances,
	}
	for id, set := range s.members {
		next.members[id] = maps.Clone(set)
	}
	for id, request := range s.requests {
		request.SourceSnapshot = slices.Clone(request.SourceSnapshot)
		request.TargetSnapshot = slices.Clone(request.TargetSnapshot)
		next.requests[id] = request
	}
	for id, votes := range s.approvals {
		next.approvals[id] = maps.Clone(votes)
	}
	return next
}

type fakeStore struct {
	mu    sync.Mutex
	state *memState

	// failOn makes the named Tx method fail, to exercise rollback.
	failOn map[string]error
	// beforeAdvance runs inside AdvanceMergeRequest ahead of the status
	// comparison, to simulate a concurrent winner.
	beforeAdvance func(s *memState, id int64)

	sent     []store.MergeRequestSummary
	received []store.MergeRequestSummary
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: &memState{
			groups:    map[int64]store.Group{},
			members:   map[int64]map[string]struct{}{},
			requests:  map[int64]store.MergeRequest{},
			approvals: map[int64]map[string]store.MergeApproval{},
		},
		failOn: map[string]error{},
	}
}

// addGroup creates an active group holding userIDs.
func (f *fakeStore) addGroup(userIDs ...string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.nextGroupID++
	id := f.state.nextGroupID
	f.state.groups[id] = store.Group{ID: id, Name: "group", CreatedAt: time.Unix(id, 0)}
	f.state.members[id] = map[string]struct{}{}
	for _, userID := range userIDs {
		f.state.members[id][userID] = struct{}{}
	}
	return id
}

func (f *fakeStore) removeMember(groupID int64, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state.members[groupID], userID)
}

func (f *fakeStore) addMember(groupID int64, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.members[groupID][userID] = struct{}{}
}

func (f *fakeStore) snapshot() *memState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

func (f *fakeStore) InTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	working := f.state.clone()
	if err := fn(&memTx{store: f, state: working}); err != nil {
		return err
	}
	f.state = working
	return nil
}

func (f *fakeStore) ListSentMergeRequests(context.Context, string) ([]store.MergeRequestSummary, error) {
	return f.sent, nil
}

func (f *fakeStore) ListReceivedMergeRequests(context.Context, string) ([]store.MergeRequestSummary, error) {
	return f.received, nil
}

type memTx struct {
	store *fakeStore
	state *memState
}

func (t *memTx) fail(method string) error {
	return t.store.failOn[method]
}

func (t *memTx) ActiveGroupOf(_ context.Context, userID string) (store.Group, error) {
	ids := slices.Sorted(maps.Keys(t.state.groups))
	for _, id := range ids {
		group := t.state.groups[id]
		if _, ok := t.state.members[id][userID]; ok && group.Active() {
			return group, nil
		}
	}
	return store.Group{}, store.ErrNotFound
}

func (t *memTx) GetGroup(_ context.Context, groupID int64) (store.Group, error) {
	group, ok := t.state.groups[groupID]
	if !ok {
		return store.Group{}, store.ErrNotFound
	}
	return group, nil
}

func (t *memTx) SnapshotMembership(_ context.Context, groupID int64) ([]string, error) {
	if _, ok := t.state.groups[groupID]; !ok {
		return nil, store.ErrNotFound
	}
	members := slices.Collect(maps.Keys(t.state.members[groupID]))
	sort.Strings(members)
	return members, nil
}

func (t *memTx) CountMembers(_ context.Context, groupID int64) (int, error) {
	return len(t.state.members[groupID]), nil
}

func (t *memTx) TransferMembership(_ context.Context, fromGroupID, toGroupID int64) (int64, error) {
	if err := t.fail("TransferMembership"); err != nil {
		return 0, err
	}
	var moved int64
	for userID := range t.state.members[fromGroupID] {
		if _, ok := t.state.members[toGroupID][userID]; !ok {
			moved++
		}
		t.state.members[toGroupID][userID] = struct{}{}
	}
	t.state.members[fromGroupID] = map[string]struct{}{}
	t.state.transfers++
	return moved, nil
}

func (t *memTx) Dissolve(_ context.Context, groupID int64, at time.Time) error {
	if err := t.fail("Dissolve"); err != nil {
		return err
	}
	group, ok := t.state.groups[groupID]
	if !ok {
		return store.ErrNotFound
	}
	if group.DissolvedAt == nil {
		group.DissolvedAt = &at
	}
	t.state.groups[groupID] = group
	return nil
}

func (t *memTx) OpenMergeRequest(_ context.Context, request store.MergeRequest) (int64, error) {
	for _, existing := range t.state.requests {
		if existing.Status.Terminal() {
			continue
		}
		samePair := (existing.SourceGroupID == request.SourceGroupID && existing.TargetGroupID == request.TargetGroupID) ||
			(existing.SourceGroupID == request.TargetGroupID && existing.TargetGroupID == request.SourceGroupID)
		if samePair {
			return 0, store.ErrConflict
		}
	}
	t.state.nextRequestID++
	request.ID = t.state.nextRequestID
	request.SourceSnapshot = slices.Clone(request.SourceSnapshot)
	request.TargetSnapshot = slices.Clone(request.TargetSnapshot)
	t.state.requests[request.ID] = request
	return request.ID, nil
}

func (t *memTx) GetMergeRequest(_ context.Context, id int64) (store.MergeRequest, error) {
	request, ok := t.state.requests[id]
	if !ok {
		return store.MergeRequest{}, store.ErrNotFound
	}
	request.SourceSnapshot = slices.Clone(request.SourceSnapshot)
	request.TargetSnapshot = slices.Clone(request.TargetSnapshot)
	return request, nil
}

func (t *memTx) LockMergeRequest(ctx context.Context, id int64) (store.MergeRequest, error) {
	return t.GetMergeRequest(ctx, id)
}

func (t *memTx) AdvanceMergeRequest(_ context.Context, id int64, from, to store.Status) (bool, error) {
	if t.store.beforeAdvance != nil {
		t.store.beforeAdvance(t.state, id)
	}
	request, ok := t.state.requests[id]
	if !ok || request.Status != from {
		return false, nil
	}
	request.Status = to
	t.state.requests[id] = request
	t.state.advances++
	return true, nil
}

func (t *memTx) UpsertApproval(_ context.Context, approval store.MergeApproval) error {
	if t.state.approvals[approval.MergeRequestID] == nil {
		t.state.approvals[approval.MergeRequestID] = map[string]store.MergeApproval{}
	}
	t.state.approvals[approval.MergeRequestID][approval.ApproverUserID] = approval
	return nil
}

func (t *memTx) ListApprovals(_ context.Context, mergeRequestID int64, side store.Side) ([]store.MergeApproval, error) {
	votes := make([]store.MergeApproval, 0)
	for _, vote := range t.state.approvals[mergeRequestID] {
		if vote.Side == side {
			votes = append(votes, vote)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].ApproverUserID < votes[j].ApproverUserID })
	return votes, nil
}
