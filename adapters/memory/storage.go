package memory

import (
	"context"
	"sort"
	"sync"

	"xp360/core"
)

// Store is a concurrent in-memory engine.Storage implementation.
type Store struct {
	mu       sync.RWMutex
	missions map[core.MissionID]core.Mission
	classes  map[core.ClassID]core.Class
	members  map[core.ClassID]map[core.UserID]struct{}
	users    sync.Map // map[core.UserID]*userRecord
}

type userRecord struct {
	mu       sync.Mutex
	progress core.UserProgress
	// completions in the order they were recorded
	completions []core.MissionCompletion
	done        map[core.MissionID]struct{}
	badges      map[core.BadgeID]core.BadgeGrant
}

func New() *Store {
	return &Store{
		missions: make(map[core.MissionID]core.Mission),
		classes:  make(map[core.ClassID]core.Class),
		members:  make(map[core.ClassID]map[core.UserID]struct{}),
	}
}

func (s *Store) getOrCreate(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{
		progress: core.NewProgress(user),
		done:     map[core.MissionID]struct{}{},
		badges:   map[core.BadgeID]core.BadgeGrant{},
	}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) GetProgress(_ context.Context, user core.UserID) (core.UserProgress, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.progress, nil
}

func (s *Store) SaveProgress(_ context.Context, p core.UserProgress) error {
	rec := s.getOrCreate(p.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.progress = p
	return nil
}

func (s *Store) PutClass(_ context.Context, c core.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classes[c.ID]; ok {
		return core.ErrConflict
	}
	s.classes[c.ID] = c
	return nil
}

func (s *Store) GetClass(_ context.Context, id core.ClassID) (core.Class, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classes[id]
	if !ok {
		return core.Class{}, core.ErrNotFound
	}
	return c, nil
}

func (s *Store) Enroll(_ context.Context, e core.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.members[e.ClassID]
	if m == nil {
		m = make(map[core.UserID]struct{})
		s.members[e.ClassID] = m
	}
	if _, ok := m[e.UserID]; ok {
		return false, nil
	}
	m[e.UserID] = struct{}{}
	return true, nil
}

func (s *Store) Members(_ context.Context, class core.ClassID) ([]core.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.UserID, 0, len(s.members[class]))
	for u := range s.members[class] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ClassesOf(_ context.Context, user core.UserID) ([]core.ClassID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ClassID
	for id, m := range s.members {
		if _, ok := m[user]; ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) PutMission(_ context.Context, m core.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return core.ErrConflict
	}
	s.missions[m.ID] = m
	return nil
}

func (s *Store) GetMission(_ context.Context, id core.MissionID) (core.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return core.Mission{}, core.ErrNotFound
	}
	return m, nil
}

func (s *Store) ClassMissions(_ context.Context, class core.ClassID) ([]core.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.Mission{}
	for _, m := range s.missions {
		if m.ClassID == class {
			out = append(out, m)
		}
	}
	core.SortMissions(out)
	return out, nil
}

func (s *Store) CommitCompletion(_ context.Context, c core.MissionCompletion, apply func(core.UserProgress) (core.UserProgress, error)) (core.UserProgress, bool, error) {
	rec := s.getOrCreate(c.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.done[c.MissionID]; ok {
		return rec.progress, false, nil
	}
	next := rec.progress
	if apply != nil {
		var err error
		if next, err = apply(rec.progress); err != nil {
			return rec.progress, false, err
		}
	}
	rec.done[c.MissionID] = struct{}{}
	rec.completions = append(rec.completions, c)
	rec.progress = next
	return next, true, nil
}

func (s *Store) CountCompletions(_ context.Context, user core.UserID) (int64, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return int64(len(rec.completions)), nil
}

func (s *Store) Completions(_ context.Context, user core.UserID) ([]core.MissionCompletion, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.MissionCompletion{}, rec.completions...), nil
}

func (s *Store) RecentGraded(_ context.Context, user core.UserID, limit int) ([]core.MissionCompletion, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []core.MissionCompletion
	for i := len(rec.completions) - 1; i >= 0 && len(out) < limit; i-- {
		if rec.completions[i].Graded {
			out = append(out, rec.completions[i])
		}
	}
	return out, nil
}

func (s *Store) GrantBadge(_ context.Context, g core.BadgeGrant) (bool, error) {
	rec := s.getOrCreate(g.UserID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.badges[g.BadgeID]; ok {
		return false, nil
	}
	rec.badges[g.BadgeID] = g
	return true, nil
}

// Grants returns owned badges ordered by grant time.
func (s *Store) Grants(_ context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	rec := s.getOrCreate(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]core.BadgeGrant, 0, len(rec.badges))
	for _, g := range rec.badges {
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// ListProgress returns the progress of every user the store has seen,
// ordered by user id.
func (s *Store) ListProgress(context.Context) ([]core.UserProgress, error) {
	var out []core.UserProgress
	s.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		out = append(out, rec.progress)
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func sortGrants(gs []core.BadgeGrant) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].GrantedAt.Equal(gs[j].GrantedAt) {
			return gs[i].BadgeID < gs[j].BadgeID
		}
		return gs[i].GrantedAt.Before(gs[j].GrantedAt)
	})
}
