package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bursary/internal/disbursement/models"
)

// InMemoryStore keeps awards and disbursements in maps behind one mutex.
type InMemoryStore struct {
	mu            sync.Mutex
	awards        map[string]models.Award
	disbursements map[string]models.Disbursement
	schedules     map[string]bool // scholarshipID:period
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		awards:        make(map[string]models.Award),
		disbursements: make(map[string]models.Disbursement),
		schedules:     make(map[string]bool),
	}
}

func scheduleKey(scholarshipID, period string) string {
	return scholarshipID + ":" + period
}

func (s *InMemoryStore) CreateSchedule(_ context.Context, award models.Award, disbursements []models.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(disbursements) == 0 {
		return ErrInvalidState
	}
	key := scheduleKey(award.ScholarshipID, disbursements[0].Period)
	if s.schedules[key] {
		return ErrConflict
	}
	now := time.Now()
	if award.CreatedAt.IsZero() {
		award.CreatedAt = now
	}
	s.awards[award.ScholarshipID] = award
	for _, d := range disbursements {
		d.CreatedAt = now
		d.UpdatedAt = now
		s.disbursements[d.ID] = d
	}
	s.schedules[key] = true
	return nil
}

func (s *InMemoryStore) GetDisbursement(_ context.Context, id string) (models.Disbursement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.disbursements[id]; ok {
		return d, nil
	}
	return models.Disbursement{}, ErrNotFound
}

func (s *InMemoryStore) ListByScholarship(_ context.Context, scholarshipID string) ([]models.Disbursement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Disbursement
	for _, d := range s.disbursements {
		if d.ScholarshipID == scholarshipID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlannedDate.Before(out[j].PlannedDate) })
	return out, nil
}

func (s *InMemoryStore) Transition(_ context.Context, id string, from, to models.Status, retriable bool, lastError string) (models.Disbursement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disbursements[id]
	if !ok {
		return models.Disbursement{}, ErrNotFound
	}
	if d.Status != from {
		return d, ErrInvalidState
	}
	d.Status = to
	d.Retriable = retriable
	d.LastError = lastError
	d.UpdatedAt = time.Now()
	s.disbursements[id] = d
	return d, nil
}

func (s *InMemoryStore) GetAward(_ context.Context, scholarshipID string) (models.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if award, ok := s.awards[scholarshipID]; ok {
		return award, nil
	}
	return models.Award{}, ErrNotFound
}

func (s *InMemoryStore) ListRenewableAwards(_ context.Context) ([]models.Award, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Award
	for _, award := range s.awards {
		if award.Renewable {
			out = append(out, award)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScholarshipID < out[j].ScholarshipID })
	return out, nil
}

func (s *InMemoryStore) HasScheduleForPeriod(_ context.Context, scholarshipID, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules[scheduleKey(scholarshipID, period)], nil
}
