// Package memory is an in-process store with the same semantics as the
// PostgreSQL store. It backs tests and single-binary deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
	"github.com/unbracketed/zoea-collab-sub000/internal/store"
)

type threadKey struct {
	orgID    int64
	threadID string
}

type Store struct {
	mu sync.Mutex

	triggers    map[int64]domain.Trigger
	runs        map[int64]domain.Run
	events      map[int64]domain.ScheduledEvent
	documents   map[int64]int64 // document id -> organization id
	threads     map[threadKey]int64
	collections map[int64]domain.DocumentCollection
	convLinks   map[int64][]int64 // conversation id -> collection ids

	nextTrigger, nextRun, nextEvent, nextCollection int64

	clock func() time.Time
}

func New() *Store {
	return &Store{
		triggers:    map[int64]domain.Trigger{},
		runs:        map[int64]domain.Run{},
		events:      map[int64]domain.ScheduledEvent{},
		documents:   map[int64]int64{},
		threads:     map[threadKey]int64{},
		collections: map[int64]domain.DocumentCollection{},
		convLinks:   map[int64][]int64{},
		clock:       time.Now,
	}
}

func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// AddDocument registers a document owned by orgID.
func (s *Store) AddDocument(orgID, documentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[documentID] = orgID
}

// SetThreadConversation links an email thread to its conversation.
func (s *Store) SetThreadConversation(orgID int64, threadID string, conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadKey{orgID, threadID}] = conversationID
}

// Collection returns a stored collection.
func (s *Store) Collection(id int64) (domain.DocumentCollection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	return cloneCollection(c), ok
}

// ConversationCollections returns the collections linked to a conversation.
func (s *Store) ConversationCollections(conversationID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.convLinks[conversationID])
}

// Triggers

func (s *Store) ListEnabledTriggers(ctx context.Context, orgID int64, eventType domain.EventType, projectID *int64) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trigger
	for _, id := range sortedKeys(s.triggers) {
		t := s.triggers[id]
		if t.OrganizationID != orgID || t.EventType != eventType || !t.Enabled {
			continue
		}
		if t.ProjectID != nil && (projectID == nil || *t.ProjectID != *projectID) {
			continue
		}
		out = append(out, cloneTrigger(t))
	}
	return out, nil
}

func (s *Store) GetTrigger(ctx context.Context, id int64) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return cloneTrigger(t), nil
}

func (s *Store) GetOrgTrigger(ctx context.Context, orgID, id int64) (domain.Trigger, error) {
	t, err := s.GetTrigger(ctx, id)
	if err != nil || t.OrganizationID != orgID {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTriggers(ctx context.Context, orgID int64, f store.TriggerFilter) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trigger
	for _, id := range sortedKeys(s.triggers) {
		t := s.triggers[id]
		if t.OrganizationID != orgID {
			continue
		}
		if f.EventType != "" && t.EventType != f.EventType {
			continue
		}
		if f.ProjectID != nil && (t.ProjectID == nil || *t.ProjectID != *f.ProjectID) {
			continue
		}
		if f.Enabled != nil && t.Enabled != *f.Enabled {
			continue
		}
		out = append(out, cloneTrigger(t))
	}
	return out, nil
}

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrigger++
	t.ID = s.nextTrigger
	now := s.clock().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.triggers[t.ID] = cloneTrigger(t)
	return cloneTrigger(t), nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.triggers[t.ID]
	if !ok || old.OrganizationID != t.OrganizationID {
		return domain.Trigger{}, domain.ErrNotFound
	}
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = s.clock().UTC()
	s.triggers[t.ID] = cloneTrigger(t)
	return cloneTrigger(t), nil
}

func (s *Store) DeleteTrigger(ctx context.Context, orgID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok || t.OrganizationID != orgID {
		return domain.ErrNotFound
	}
	delete(s.triggers, id)
	// Cascade like the foreign keys do.
	for rid, r := range s.runs {
		if r.TriggerID == id {
			delete(s.runs, rid)
		}
	}
	for eid, e := range s.events {
		if e.TriggerID == id {
			delete(s.events, eid)
		}
	}
	return nil
}

// Runs

func (s *Store) CreateRun(ctx context.Context, run domain.Run) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[run.TriggerID]; !ok {
		return domain.Run{}, fmt.Errorf("create run: trigger %d: %w", run.TriggerID, domain.ErrNotFound)
	}
	s.nextRun++
	run.ID = s.nextRun
	if run.RunID == uuid.Nil {
		run.RunID = uuid.New()
	}
	s.runs[run.ID] = cloneRun(run)
	return cloneRun(run), nil
}

func (s *Store) GetRun(ctx context.Context, id int64) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) GetRunByUUID(ctx context.Context, orgID int64, runID uuid.UUID) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.RunID == runID && r.OrganizationID == orgID {
			return cloneRun(r), nil
		}
	}
	return domain.Run{}, domain.ErrNotFound
}

func (s *Store) ListRuns(ctx context.Context, orgID int64, f store.RunFilter) ([]domain.Run, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.Run
	for _, r := range s.runs {
		if r.OrganizationID != orgID {
			continue
		}
		if f.TriggerID != nil && r.TriggerID != *f.TriggerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		matched = append(matched, r)
	}
	// Newest first.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]domain.Run, len(matched))
	for i, r := range matched {
		out[i] = cloneRun(r)
	}
	return out, nil
}

func (s *Store) SetRunTaskID(ctx context.Context, id int64, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return domain.ErrStatusTransitionDenied
	}
	r.TaskID = taskID
	s.runs[id] = r
	return nil
}

func (s *Store) MarkRunRunning(ctx context.Context, id int64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RunStatusPending {
		return domain.ErrStatusTransitionDenied
	}
	r.Status = domain.RunStatusRunning
	r.StartedAt = &startedAt
	s.runs[id] = r
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run domain.Run) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("finish run %d: status %q is not terminal", run.ID, run.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[run.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RunStatusRunning {
		return domain.ErrStatusTransitionDenied
	}
	r.Status = run.Status
	r.Outputs = run.Outputs
	r.Error = run.Error
	r.Telemetry = domain.CloneData(run.Telemetry)
	if run.Telemetry == nil {
		r.Telemetry = nil
	}
	r.CompletedAt = run.CompletedAt
	if run.ArtifactCollectionID != nil {
		r.ArtifactCollectionID = run.ArtifactCollectionID
	}
	s.runs[run.ID] = r
	return nil
}

func (s *Store) ResetRun(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[run.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.RunStatusFailed {
		return domain.ErrStatusTransitionDenied
	}
	r.Status = domain.RunStatusPending
	r.Error = ""
	r.StartedAt = nil
	r.CompletedAt = nil
	r.TaskID = ""
	r.RetryCount = run.RetryCount
	s.runs[run.ID] = r
	return nil
}

func (s *Store) ListRetryableRuns(ctx context.Context, maxRetries, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	superseded := map[int64]bool{}
	for _, r := range s.runs {
		if r.RetriedFromID != nil {
			superseded[*r.RetriedFromID] = true
		}
	}
	return s.selectRunsLocked(limit, func(r domain.Run) bool {
		return r.Status == domain.RunStatusFailed &&
			s.triggers[r.TriggerID].Enabled &&
			r.RetryCount < maxRetries &&
			!superseded[r.ID]
	}), nil
}

func (s *Store) ListOrphanedRuns(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectRunsLocked(maxResults, func(r domain.Run) bool {
		return r.Status == domain.RunStatusPending &&
			r.TaskID == "" &&
			s.triggers[r.TriggerID].RunAsync &&
			r.CreatedAt.Before(olderThan)
	}), nil
}

// selectRunsLocked returns up to limit runs matching keep, oldest first.
func (s *Store) selectRunsLocked(limit int, keep func(domain.Run) bool) []domain.Run {
	var out []domain.Run
	for _, r := range s.runs {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = cloneRun(out[i])
	}
	return out
}

// Scheduled events

func (s *Store) GetScheduledEvent(ctx context.Context, id int64) (domain.ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[id]
	if !ok {
		return domain.ScheduledEvent{}, domain.ErrNotFound
	}
	return cloneEvent(se), nil
}

func (s *Store) GetOrgScheduledEvent(ctx context.Context, orgID, id int64) (domain.ScheduledEvent, error) {
	se, err := s.GetScheduledEvent(ctx, id)
	if err != nil || se.OrganizationID != orgID {
		return domain.ScheduledEvent{}, domain.ErrNotFound
	}
	return se, nil
}

func (s *Store) ListScheduledEvents(ctx context.Context, orgID int64) ([]domain.ScheduledEvent, error) {
	return s.selectEvents(func(se domain.ScheduledEvent) bool { return se.OrganizationID == orgID }), nil
}

func (s *Store) CreateScheduledEvent(ctx context.Context, se domain.ScheduledEvent) (domain.ScheduledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[se.TriggerID]; !ok {
		return domain.ScheduledEvent{}, fmt.Errorf("create scheduled event: trigger %d: %w", se.TriggerID, domain.ErrNotFound)
	}
	s.nextEvent++
	se.ID = s.nextEvent
	se.Timezone = se.Location()
	now := s.clock().UTC()
	se.CreatedAt, se.UpdatedAt = now, now
	s.events[se.ID] = cloneEvent(se)
	return cloneEvent(se), nil
}

func (s *Store) DeleteScheduledEvent(ctx context.Context, orgID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[id]
	if !ok || se.OrganizationID != orgID {
		return domain.ErrNotFound
	}
	delete(s.events, id)
	return nil
}

func (s *Store) RecordFiring(ctx context.Context, id int64, firedAt time.Time, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	se.RunCount++
	se.LastRunAt = &firedAt
	se.NextRunAt = copyTime(nextRunAt)
	se.UpdatedAt = firedAt
	s.events[id] = se
	return nil
}

func (s *Store) ClaimFiring(ctx context.Context, id int64, prev *time.Time, slot time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[id]
	if !ok || !se.Enabled || !sameTime(se.ClaimedSlot, prev) {
		return false, nil
	}
	se.ClaimedSlot = &slot
	se.UpdatedAt = s.clock().UTC()
	s.events[id] = se
	return true, nil
}

func (s *Store) SetScheduleState(ctx context.Context, id int64, queueScheduleID string, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	se.QueueScheduleID = queueScheduleID
	se.NextRunAt = copyTime(nextRunAt)
	se.ClaimedSlot = nil
	se.UpdatedAt = s.clock().UTC()
	s.events[id] = se
	return nil
}

func (s *Store) ListDueScheduledEvents(ctx context.Context, now time.Time) ([]domain.ScheduledEvent, error) {
	due := s.selectEvents(func(se domain.ScheduledEvent) bool {
		return se.Enabled && se.NextRunAt != nil && !se.NextRunAt.After(now)
	})
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (s *Store) ListRegisteredCronEvents(ctx context.Context) ([]domain.ScheduledEvent, error) {
	return s.selectEvents(func(se domain.ScheduledEvent) bool {
		return se.ScheduleType == domain.ScheduleTypeCron && se.QueueScheduleID != ""
	}), nil
}

func (s *Store) selectEvents(keep func(domain.ScheduledEvent) bool) []domain.ScheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledEvent
	for _, id := range sortedKeys(s.events) {
		if se := s.events[id]; keep(se) {
			out = append(out, cloneEvent(se))
		}
	}
	return out
}

// Documents and collections

func (s *Store) CountOrgDocuments(ctx context.Context, orgID int64, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	seen := map[int64]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if owner, ok := s.documents[id]; ok && owner == orgID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateCollection(ctx context.Context, c domain.DocumentCollection) (domain.DocumentCollection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCollection++
	c.ID = s.nextCollection
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock().UTC()
	}
	s.collections[c.ID] = cloneCollection(c)
	return cloneCollection(c), nil
}

func (s *Store) AddCollectionItems(ctx context.Context, collectionID int64, documentIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, id := range documentIDs {
		if !slices.Contains(c.DocumentIDs, id) {
			c.DocumentIDs = append(c.DocumentIDs, id)
		}
	}
	s.collections[collectionID] = c
	return nil
}

func (s *Store) LinkRunCollection(ctx context.Context, runID, collectionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	r.ArtifactCollectionID = &collectionID
	s.runs[runID] = r
	return nil
}

func (s *Store) ConversationForEmailThread(ctx context.Context, orgID int64, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.threads[threadKey{orgID, threadID}]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

func (s *Store) LinkConversationCollection(ctx context.Context, conversationID, collectionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.convLinks[conversationID], collectionID) {
		s.convLinks[conversationID] = append(s.convLinks[conversationID], collectionID)
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cloneTrigger(t domain.Trigger) domain.Trigger {
	t.Skills = slices.Clone(t.Skills)
	if t.Filters != nil {
		t.Filters = domain.CloneData(t.Filters)
	}
	t.AgentConfig.AllowedDomains = slices.Clone(t.AgentConfig.AllowedDomains)
	t.ProjectID = copyInt(t.ProjectID)
	return t
}

func cloneRun(r domain.Run) domain.Run {
	r.Inputs = domain.CloneData(r.Inputs)
	r.InputEnvelope.Payload = domain.CloneData(r.InputEnvelope.Payload)
	if r.Telemetry != nil {
		r.Telemetry = domain.CloneData(r.Telemetry)
	}
	if r.Outputs != nil {
		o := *r.Outputs
		o.CreatedDocumentIDs = slices.Clone(o.CreatedDocumentIDs)
		r.Outputs = &o
	}
	r.ProjectID = copyInt(r.ProjectID)
	r.RetriedFromID = copyInt(r.RetriedFromID)
	r.ArtifactCollectionID = copyInt(r.ArtifactCollectionID)
	r.StartedAt = copyTime(r.StartedAt)
	r.CompletedAt = copyTime(r.CompletedAt)
	return r
}

func cloneEvent(se domain.ScheduledEvent) domain.ScheduledEvent {
	se.EventData = domain.CloneData(se.EventData)
	se.ScheduledAt = copyTime(se.ScheduledAt)
	se.LastRunAt = copyTime(se.LastRunAt)
	se.NextRunAt = copyTime(se.NextRunAt)
	se.ClaimedSlot = copyTime(se.ClaimedSlot)
	return se
}

func cloneCollection(c domain.DocumentCollection) domain.DocumentCollection {
	c.DocumentIDs = slices.Clone(c.DocumentIDs)
	return c
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
