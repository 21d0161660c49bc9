package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-medication/internal/models"

	"github.com/google/uuid"
)

// MemoryEventsRepo is the in-memory append-only event store used by tests
// and database-less runs. Business fields are never touched after insert;
// only the archive fields may be set, once.
type MemoryEventsRepo struct {
	mu     sync.RWMutex
	events map[string]models.MedicationEvent // eventID -> value copy
}

func NewMemoryEventsRepo() *MemoryEventsRepo {
	return &MemoryEventsRepo{events: map[string]models.MedicationEvent{}}
}

func (r *MemoryEventsRepo) GetEvent(_ context.Context, eventID string) (*models.MedicationEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[eventID]
	if !ok {
		return nil, fmt.Errorf("medication event %s: %w", eventID, ErrNotFound)
	}
	out := event
	return &out, nil
}

func (r *MemoryEventsRepo) CreateEvent(_ context.Context, event *models.MedicationEvent) error {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.EventID]; exists {
		return fmt.Errorf("medication event %s already exists: %w", event.EventID, ErrConflict)
	}
	r.events[event.EventID] = *event
	return nil
}

func (r *MemoryEventsRepo) CreateBatch(ctx context.Context, events []*models.MedicationEvent) (*BatchResult, error) {
	if len(events) == 0 {
		return &BatchResult{}, nil
	}
	correlationID := events[0].CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	result := &BatchResult{CorrelationID: correlationID}
	for _, event := range events {
		event.CorrelationID = correlationID
		if err := r.CreateEvent(ctx, event); err != nil {
			result.Failed = append(result.Failed, BatchFailure{EventID: event.EventID, Err: err})
			continue
		}
		result.CreatedIDs = append(result.CreatedIDs, event.EventID)
	}
	return result, nil
}

func (r *MemoryEventsRepo) QueryEvents(_ context.Context, filters EventFilters) ([]*models.MedicationEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.MedicationEvent
	for id := range r.events {
		event := r.events[id]
		if !matchEventFilters(&event, filters) {
			continue
		}
		copied := event
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.EventTimestamp.Before(out[j].Timing.EventTimestamp)
	})
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *MemoryEventsRepo) GetDoseEvents(ctx context.Context, patientID string, commandID *string, start, end time.Time) (*DoseEvents, error) {
	events, err := r.QueryEvents(ctx, EventFilters{
		PatientID: &patientID,
		CommandID: commandID,
		StartTime: &start,
		EndTime:   &end,
		EventTypes: []models.EventType{
			models.EventDoseScheduled,
			models.EventDoseTaken,
			models.EventDoseTakenPartial,
			models.EventDoseTakenAdjusted,
			models.EventDoseMissed,
			models.EventDoseSkipped,
			models.EventDoseSnoozed,
		},
	})
	if err != nil {
		return nil, err
	}
	return GroupDoseEvents(events), nil
}

func (r *MemoryEventsRepo) GetMissedEventsInGracePeriod(ctx context.Context, commandID string, now time.Time) ([]*models.MedicationEvent, error) {
	scheduledType := []models.EventType{models.EventDoseScheduled}
	scheduled, err := r.QueryEvents(ctx, EventFilters{CommandID: &commandID, EventTypes: scheduledType})
	if err != nil {
		return nil, err
	}
	var overdue []*models.MedicationEvent
	for _, event := range scheduled {
		if event.Timing.GracePeriodEnd != nil && event.Timing.GracePeriodEnd.Before(now) {
			overdue = append(overdue, event)
		}
	}
	if len(overdue) == 0 {
		return nil, nil
	}

	resolved, err := r.QueryEvents(ctx, EventFilters{
		CommandID: &commandID,
		EventTypes: []models.EventType{
			models.EventDoseTaken,
			models.EventDoseTakenPartial,
			models.EventDoseTakenAdjusted,
			models.EventDoseMissed,
			models.EventDoseSkipped,
		},
		Archived: ArchivedInclude,
	})
	if err != nil {
		return nil, err
	}
	return FilterUnresolvedScheduled(overdue, resolved), nil
}

func (r *MemoryEventsRepo) FindUndoEventFor(_ context.Context, originalEventID string) (*models.MedicationEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.events {
		event := r.events[id]
		if event.EventType != models.EventTakenUndone {
			continue
		}
		if event.EventData.Undo != nil && event.EventData.Undo.OriginalEventID == originalEventID {
			copied := event
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *MemoryEventsRepo) MarkArchived(_ context.Context, mark ArchiveMark) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marked := 0
	for _, id := range mark.EventIDs {
		event, ok := r.events[id]
		if !ok || event.IsArchived {
			continue
		}
		archivedAt := mark.ArchivedAt
		reason := mark.Reason
		date := mark.BelongsToDate
		summaryID := mark.SummaryID
		event.IsArchived = true
		event.ArchivedAt = &archivedAt
		event.ArchivedReason = &reason
		event.BelongsToDate = &date
		event.SummaryID = &summaryID
		r.events[id] = event
		marked++
	}
	return marked, nil
}

func matchEventFilters(event *models.MedicationEvent, filters EventFilters) bool {
	if filters.PatientID != nil && event.PatientID != *filters.PatientID {
		return false
	}
	if filters.CommandID != nil && event.CommandID != *filters.CommandID {
		return false
	}
	if len(filters.EventTypes) > 0 {
		found := false
		for _, t := range filters.EventTypes {
			if event.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	effective := event.Timing.EventTimestamp
	if filters.EffectiveTime && event.Timing.ScheduledFor != nil {
		effective = *event.Timing.ScheduledFor
	}
	if filters.StartTime != nil && effective.Before(*filters.StartTime) {
		return false
	}
	if filters.EndTime != nil && !effective.Before(*filters.EndTime) {
		return false
	}
	if filters.CorrelationID != nil && event.CorrelationID != *filters.CorrelationID {
		return false
	}
	if filters.TriggerSource != nil && event.Context.TriggerSource != *filters.TriggerSource {
		return false
	}
	switch filters.Archived {
	case ArchivedExclude:
		if event.IsArchived {
			return false
		}
	case ArchivedOnly:
		if !event.IsArchived {
			return false
		}
	}
	return true
}
