package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"xp360/core"
)

// Store persists entire state to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	doc document
}

type document struct {
	Classes  map[core.ClassID]core.Class     `json:"classes"`
	Members  map[core.ClassID][]core.UserID  `json:"members"`
	Missions map[core.MissionID]core.Mission `json:"missions"`
	Users    map[core.UserID]*userDoc        `json:"users"`
}

type userDoc struct {
	Progress core.UserProgress `json:"progress"`
	// completions in the order they were recorded
	Completions []core.MissionCompletion `json:"completions,omitempty"`
	Badges      []core.BadgeGrant        `json:"badges,omitempty"`
}

func New(path string) (*Store, error) {
	s := &Store{path: path, doc: document{
		Classes:  map[core.ClassID]core.Class{},
		Members:  map[core.ClassID][]core.UserID{},
		Missions: map[core.MissionID]core.Mission{},
		Users:    map[core.UserID]*userDoc{},
	}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	for k, v := range doc.Classes {
		s.doc.Classes[k] = v
	}
	for k, v := range doc.Members {
		s.doc.Members[k] = v
	}
	for k, v := range doc.Missions {
		s.doc.Missions[k] = v
	}
	for k, v := range doc.Users {
		if v != nil {
			s.doc.Users[k] = v
		}
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) user(id core.UserID) *userDoc {
	if u, ok := s.doc.Users[id]; ok {
		return u
	}
	u := &userDoc{Progress: core.NewProgress(id)}
	s.doc.Users[id] = u
	return u
}

func (s *Store) GetProgress(_ context.Context, user core.UserID) (core.UserProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.doc.Users[user]; ok {
		return u.Progress, nil
	}
	return core.NewProgress(user), nil
}

func (s *Store) SaveProgress(_ context.Context, p core.UserProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(p.UserID).Progress = p
	return s.persist()
}

func (s *Store) PutClass(_ context.Context, c core.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Classes[c.ID]; ok {
		return core.ErrConflict
	}
	s.doc.Classes[c.ID] = c
	if err := s.persist(); err != nil {
		delete(s.doc.Classes, c.ID)
		return err
	}
	return nil
}

func (s *Store) GetClass(_ context.Context, id core.ClassID) (core.Class, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.doc.Classes[id]
	if !ok {
		return core.Class{}, core.ErrNotFound
	}
	return c, nil
}

func (s *Store) Enroll(_ context.Context, e core.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.doc.Members[e.ClassID]
	i := sort.Search(len(members), func(i int) bool { return members[i] >= e.UserID })
	if i < len(members) && members[i] == e.UserID {
		return false, nil
	}
	next := make([]core.UserID, 0, len(members)+1)
	next = append(append(append(next, members[:i]...), e.UserID), members[i:]...)
	s.doc.Members[e.ClassID] = next
	if err := s.persist(); err != nil {
		s.doc.Members[e.ClassID] = members
		return false, err
	}
	return true, nil
}

func (s *Store) Members(_ context.Context, class core.ClassID) ([]core.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.UserID{}, s.doc.Members[class]...), nil
}

func (s *Store) ClassesOf(_ context.Context, user core.UserID) ([]core.ClassID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ClassID
	for id, members := range s.doc.Members {
		if slices.Contains(members, user) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) PutMission(_ context.Context, m core.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Missions[m.ID]; ok {
		return core.ErrConflict
	}
	s.doc.Missions[m.ID] = m
	if err := s.persist(); err != nil {
		delete(s.doc.Missions, m.ID)
		return err
	}
	return nil
}

func (s *Store) ClassMissions(_ context.Context, class core.ClassID) ([]core.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.Mission{}
	for _, m := range s.doc.Missions {
		if m.ClassID == class {
			out = append(out, m)
		}
	}
	core.SortMissions(out)
	return out, nil
}

func (s *Store) GetMission(_ context.Context, id core.MissionID) (core.Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.doc.Missions[id]
	if !ok {
		return core.Mission{}, core.ErrNotFound
	}
	return m, nil
}

// CommitCompletion appends c and the new progress to the document and writes
// it once; a failed write restores the previous in-memory state.
func (s *Store) CommitCompletion(_ context.Context, c core.MissionCompletion, apply func(core.UserProgress) (core.UserProgress, error)) (core.UserProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(c.UserID)
	for _, existing := range u.Completions {
		if existing.MissionID == c.MissionID {
			return u.Progress, false, nil
		}
	}
	before := u.Progress
	next := before
	if apply != nil {
		var err error
		if next, err = apply(before); err != nil {
			return before, false, err
		}
	}
	u.Completions = append(u.Completions, c)
	u.Progress = next
	if err := s.persist(); err != nil {
		u.Completions = u.Completions[:len(u.Completions)-1]
		u.Progress = before
		return before, false, err
	}
	return next, true, nil
}

func (s *Store) Completions(_ context.Context, user core.UserID) ([]core.MissionCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.doc.Users[user]; ok {
		return append([]core.MissionCompletion{}, u.Completions...), nil
	}
	return []core.MissionCompletion{}, nil
}

func (s *Store) CountCompletions(_ context.Context, user core.UserID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.doc.Users[user]; ok {
		return int64(len(u.Completions)), nil
	}
	return 0, nil
}

func (s *Store) RecentGraded(_ context.Context, user core.UserID, limit int) ([]core.MissionCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Users[user]
	if !ok {
		return nil, nil
	}
	var out []core.MissionCompletion
	for i := len(u.Completions) - 1; i >= 0 && len(out) < limit; i-- {
		if u.Completions[i].Graded {
			out = append(out, u.Completions[i])
		}
	}
	return out, nil
}

func (s *Store) GrantBadge(_ context.Context, g core.BadgeGrant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(g.UserID)
	for _, existing := range u.Badges {
		if existing.BadgeID == g.BadgeID {
			return false, nil
		}
	}
	u.Badges = append(u.Badges, g)
	if err := s.persist(); err != nil {
		u.Badges = u.Badges[:len(u.Badges)-1]
		return false, err
	}
	return true, nil
}

func (s *Store) Grants(_ context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.doc.Users[user]
	if !ok {
		return []core.BadgeGrant{}, nil
	}
	out := append([]core.BadgeGrant(nil), u.Badges...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

// ListProgress returns every user's progress ordered by user id.
func (s *Store) ListProgress(context.Context) ([]core.UserProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.UserProgress, 0, len(s.doc.Users))
	for _, u := range s.doc.Users {
		out = append(out, u.Progress)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
