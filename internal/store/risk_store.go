package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
)

// AttemptFilter narrows a query over the verification attempt log.
type AttemptFilter struct {
	UserID      string
	Since       time.Time
	Outcome     domain.VerificationOutcome
	Reason      string
	LocatedOnly bool
	Limit       int
}

// FlagFilter narrows a query over risk flags.
type FlagFilter struct {
	State     domain.FlagState
	SubjectID string
	Limit     int
}

// RiskStore keeps the verification attempt log and the risk flags raised from it.
type RiskStore interface {
	RecordAttempt(ctx context.Context, rec domain.VerificationRecord) error
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]domain.VerificationRecord, error)
	DistinctUsersForDevice(ctx context.Context, deviceID string, since time.Time) ([]string, error)
	// RaiseFlag stores a new flag unless an open flag with the same subject
	// and type already exists, in which case that flag is returned with created=false.
	RaiseFlag(ctx context.Context, flag domain.RiskFlag) (stored domain.RiskFlag, created bool, err error)
	GetFlag(ctx context.Context, id uuid.UUID) (domain.RiskFlag, error)
	ListFlags(ctx context.Context, filter FlagFilter) ([]domain.RiskFlag, error)
	TransitionFlag(ctx context.Context, id uuid.UUID, to domain.FlagState, note string) (domain.RiskFlag, error)
}

// MemoryRiskStore is the in-process RiskStore used when MongoDB is not configured.
type MemoryRiskStore struct {
	mu       sync.RWMutex
	attempts []domain.VerificationRecord
	flags    map[uuid.UUID]domain.RiskFlag
}

func NewMemoryRiskStore() *MemoryRiskStore {
	return &MemoryRiskStore{flags: make(map[uuid.UUID]domain.RiskFlag)}
}

func (s *MemoryRiskStore) RecordAttempt(ctx context.Context, rec domain.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, rec)
	return nil
}

func (s *MemoryRiskStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]domain.VerificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.VerificationRecord
	for i := len(s.attempts) - 1; i >= 0; i-- {
		rec := s.attempts[i]
		if !attemptMatches(rec, filter) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func attemptMatches(rec domain.VerificationRecord, f AttemptFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if f.Reason != "" && rec.Reason != f.Reason {
		return false
	}
	if f.LocatedOnly && !rec.Located() {
		return false
	}
	return true
}

func (s *MemoryRiskStore) DistinctUsersForDevice(ctx context.Context, deviceID string, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var users []string
	for _, rec := range s.attempts {
		if rec.Fingerprint.DeviceID != deviceID || rec.CreatedAt.Before(since) {
			continue
		}
		if _, ok := seen[rec.UserID]; ok {
			continue
		}
		seen[rec.UserID] = struct{}{}
		users = append(users, rec.UserID)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryRiskStore) RaiseFlag(ctx context.Context, flag domain.RiskFlag) (domain.RiskFlag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flags {
		if existing.SubjectType == flag.SubjectType && existing.SubjectID == flag.SubjectID &&
			existing.Type == flag.Type && existing.State.Open() {
			return existing, false, nil
		}
	}
	if flag.ID == uuid.Nil {
		flag.ID = uuid.New()
	}
	now := time.Now().UTC()
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = now
	}
	flag.UpdatedAt = flag.CreatedAt
	flag.State = domain.FlagPending
	s.flags[flag.ID] = flag
	return flag, true, nil
}

func (s *MemoryRiskStore) GetFlag(ctx context.Context, id uuid.UUID) (domain.RiskFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flag, ok := s.flags[id]
	if !ok {
		return domain.RiskFlag{}, ErrFlagNotFound
	}
	return flag, nil
}

func (s *MemoryRiskStore) ListFlags(ctx context.Context, filter FlagFilter) ([]domain.RiskFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RiskFlag
	for _, flag := range s.flags {
		if filter.State != "" && flag.State != filter.State {
			continue
		}
		if filter.SubjectID != "" && flag.SubjectID != filter.SubjectID {
			continue
		}
		out = append(out, flag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryRiskStore) TransitionFlag(ctx context.Context, id uuid.UUID, to domain.FlagState, note string) (domain.RiskFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.flags[id]
	if !ok {
		return domain.RiskFlag{}, ErrFlagNotFound
	}
	if !domain.CanTransitionFlag(flag.State, to) {
		return domain.RiskFlag{}, fmt.Errorf("%w: flag %s cannot move from %s to %s", ErrInvalidTransition, id, flag.State, to)
	}
	flag.State = to
	if note != "" {
		flag.Note = note
	}
	flag.UpdatedAt = time.Now().UTC()
	s.flags[id] = flag
	return flag, nil
}
