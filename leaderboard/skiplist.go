package leaderboard

import (
	"math/rand/v2"
	"sync"

	"xp360/core"
)

const (
	skipMaxHeight = 24
	skipBranch    = 4
)

// level i of a tower links to the next tower at least that tall; span[i]
// counts the level-0 hops that link covers.
type tower struct {
	entry Entry
	next  []*tower
	span  []int
}

func newTower(e Entry, height int) *tower {
	return &tower{entry: e, next: make([]*tower, height), span: make([]int, height)}
}

// SkipList is an in-memory Board ordered by experience (descending) and
// then user id. Spans make rank lookups logarithmic as well as updates.
type SkipList struct {
	mu     sync.RWMutex
	head   *tower
	height int
	length int
	towers map[core.UserID]*tower
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:   newTower(Entry{}, skipMaxHeight),
		height: 1,
		towers: make(map[core.UserID]*tower),
	}
}

// ahead reports whether a ranks strictly above b.
func ahead(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.User < b.User
}

func pickHeight() int {
	h := 1
	for h < skipMaxHeight && rand.IntN(skipBranch) == 0 {
		h++
	}
	return h
}

// Update inserts user or moves them to score.
func (s *SkipList) Update(user core.UserID, score int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.towers[user]; ok {
		if t.entry.Score == score {
			return
		}
		s.unlink(t)
	}
	s.insert(Entry{User: user, Score: score})
}

func (s *SkipList) Raise(user core.UserID, score int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.towers[user]; ok {
		if t.entry.Score >= score {
			return false
		}
		s.unlink(t)
	}
	s.insert(Entry{User: user, Score: score})
	return true
}

func (s *SkipList) insert(e Entry) {
	var prev [skipMaxHeight]*tower
	var pos [skipMaxHeight]int
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		if i < s.height-1 {
			pos[i] = pos[i+1]
		}
		for x.next[i] != nil && ahead(x.next[i].entry, e) {
			pos[i] += x.span[i]
			x = x.next[i]
		}
		prev[i] = x
	}

	h := pickHeight()
	for i := s.height; i < h; i++ {
		prev[i] = s.head
		s.head.span[i] = s.length
	}
	if h > s.height {
		s.height = h
	}

	t := newTower(e, h)
	for i := 0; i < h; i++ {
		t.next[i] = prev[i].next[i]
		prev[i].next[i] = t
		t.span[i] = prev[i].span[i] - (pos[0] - pos[i])
		prev[i].span[i] = pos[0] - pos[i] + 1
	}
	for i := h; i < s.height; i++ {
		prev[i].span[i]++
	}
	s.towers[e.User] = t
	s.length++
}

func (s *SkipList) unlink(t *tower) {
	x := s.head
	for i := s.height - 1; i >= 0; i-- {
		for x.next[i] != nil && x.next[i] != t && ahead(x.next[i].entry, t.entry) {
			x = x.next[i]
		}
		if x.next[i] == t {
			x.span[i] += t.span[i] - 1
			x.next[i] = t.next[i]
		} else {
			x.span[i]--
		}
	}
	for s.height > 1 && s.head.next[s.height-1] == nil {
		s.height--
	}
	delete(s.towers, t.entry.User)
	s.length--
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.towers[user]; ok {
		s.unlink(t)
	}
}

// TopN returns at most n leading entries with 1-based ranks.
func (s *SkipList) TopN(n int) []Entry {
	if n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, min(n, s.length))
	for x := s.head.next[0]; x != nil && len(out) < n; x = x.next[0] {
		e := x.entry
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out
}

// Get returns user's entry with its rank.
func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.towers[user]
	if !ok {
		return Entry{}, false
	}
	rank := 0
	x := s.head
	for i := s.height - 1; i >= 0 && x != t; i-- {
		for x.next[i] != nil && (x.next[i] == t || ahead(x.next[i].entry, t.entry)) {
			rank += x.span[i]
			x = x.next[i]
			if x == t {
				break
			}
		}
	}
	e := t.entry
	e.Rank = rank
	return e, true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

var _ Board = (*SkipList)(nil)
