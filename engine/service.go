package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"xp360/core"
)

var (
	ErrMissionNotFound = errors.New("mission not found")
	ErrAnswerRequired  = errors.New("question missions need an answer")
	ErrInvalidMission  = errors.New("invalid mission")
	ErrMissionExists   = errors.New("mission already exists")
	ErrClassNotFound   = errors.New("class not found")
	ErrClassExists     = errors.New("class already exists")
	ErrInvalidClass    = errors.New("invalid class")
	ErrNotEnrolled     = errors.New("student is not enrolled in the mission's class")
)

// Service runs the progression flows (mission completion, dashboard access,
// manual XP) against a Storage and a badge Catalog, and publishes the
// resulting events on the bus. Updates for one user are serialized.
type Service struct {
	storage  Storage
	catalog  Catalog
	bus      *EventBus
	curve    core.Curve
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
	locks    userLocks
}

// Option configures a Service.
type Option func(*Service)

// WithCurve sets the level curve; core.DefaultCurve otherwise.
func WithCurve(c core.Curve) Option {
	return func(s *Service) {
		if c != nil {
			s.curve = c
		}
	}
}

// WithLocation sets the zone in which "today" is computed for streaks.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger; slog.Default otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(storage Storage, catalog Catalog, bus *EventBus, opts ...Option) *Service {
	if storage == nil || catalog == nil || bus == nil {
		panic("NewService requires non-nil storage, catalog, and bus")
	}
	s := &Service{
		storage:  storage,
		catalog:  catalog,
		bus:      bus,
		curve:    core.DefaultCurve,
		location: time.UTC,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExperienceOutcome is the result of a manual XP grant.
type ExperienceOutcome struct {
	Progress  core.UserProgress      `json:"progress"`
	Gained    int64                  `json:"gained"`
	LeveledUp bool                   `json:"leveled_up"`
	NewBadges []core.BadgeDefinition `json:"new_badges"`
}

// AccessOutcome is the result of a dashboard access.
type AccessOutcome struct {
	Progress  core.UserProgress      `json:"progress"`
	Streak    core.StreakChange      `json:"streak"`
	NewBadges []core.BadgeDefinition `json:"new_badges"`
}

// CompletionOutcome is everything a student should be told after finishing a
// mission. It is shown once and not stored.
type CompletionOutcome struct {
	Mission          core.Mission           `json:"mission"`
	AlreadyCompleted bool                   `json:"already_completed"`
	Correct          *bool                  `json:"correct,omitempty"`
	XPGained         int64                  `json:"xp_gained"`
	LeveledUp        bool                   `json:"leveled_up"`
	Progress         core.UserProgress      `json:"progress"`
	Streak           core.StreakChange      `json:"streak"`
	NewBadges        []core.BadgeDefinition `json:"new_badges"`
}

// Dashboard is the student summary page. Missions lists what the student's
// classes assign, newest first; Pending and AssignmentPercent are computed
// over that list only.
type Dashboard struct {
	Progress          core.UserProgress `json:"progress"`
	LevelPercent      int               `json:"level_percent"`
	XPToNextLevel     int64             `json:"xp_to_next_level"`
	StreakTitle       string            `json:"streak_title"`
	MissionsCompleted int64             `json:"missions_completed"`
	CompletedToday    int64             `json:"completed_today"`
	Missions          []MissionStatus   `json:"missions"`
	Pending           int               `json:"pending"`
	AssignmentPercent int               `json:"assignment_percent"`
	Badges            []core.BadgeGrant `json:"badges"`
}

// MissionStatus is an assigned mission as one student sees it.
type MissionStatus struct {
	Mission     core.Mission `json:"mission"`
	Completed   bool         `json:"completed"`
	CompletedOn core.Date    `json:"completed_on,omitzero"`
}

// ClassReport is the instructor view of a class.
type ClassReport struct {
	Class    core.Class      `json:"class"`
	Missions int             `json:"missions"`
	Students []StudentReport `json:"students"`
}

// StudentReport is one row of a ClassReport. MissionsCompleted and Percent
// only count the class's own missions.
type StudentReport struct {
	UserID            core.UserID `json:"user_id"`
	Experience        int64       `json:"experience"`
	Level             int64       `json:"level"`
	MissionsCompleted int         `json:"missions_completed"`
	Percent           int         `json:"percent"`
}

// Subscribe convenience method.
func (s *Service) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *Service) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

// Curve returns the level curve in use.
func (s *Service) Curve() core.Curve { return s.curve }

// Today returns the current calendar date in the configured location.
func (s *Service) Today() core.Date {
	return core.DateOf(s.now().In(s.location))
}

// CreateMission validates and stores a mission. An empty ID is replaced by a
// random one; the stored mission is returned. Ids are never reused.
func (s *Service) CreateMission(ctx context.Context, m core.Mission) (core.Mission, error) {
	if m.ID == "" {
		m.ID = core.MissionID(uuid.NewString())
	}
	if m.Kind == "" {
		m.Kind = core.MissionTask
	}
	if err := validateMission(m); err != nil {
		return core.Mission{}, err
	}
	if m.ClassID != "" {
		if _, err := s.GetClass(ctx, m.ClassID); err != nil {
			return core.Mission{}, err
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	err := s.storage.PutMission(ctx, m)
	if errors.Is(err, core.ErrConflict) {
		return core.Mission{}, fmt.Errorf("%w: %s", ErrMissionExists, m.ID)
	}
	if err != nil {
		return core.Mission{}, err
	}
	return m, nil
}

func validateMission(m core.Mission) error {
	if err := core.ValidateSlug(string(m.ID)); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidMission, err)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidMission)
	}
	if m.XP < 0 {
		return fmt.Errorf("%w: xp must not be negative", ErrInvalidMission)
	}
	if m.Kind != core.MissionTask && m.Kind != core.MissionQuestion {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMission, m.Kind)
	}
	return nil
}

func (s *Service) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	m, err := s.storage.GetMission(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Mission{}, ErrMissionNotFound
	}
	return m, err
}

// CreateClass validates and stores a class. An empty ID is derived from the
// name.
func (s *Service) CreateClass(ctx context.Context, c core.Class) (core.Class, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.ID == "" {
		c.ID = core.ClassID(slug.Make(c.Name))
	}
	if c.InstructorID != "" {
		id, err := core.NormalizeUserID(c.InstructorID)
		if err != nil {
			return core.Class{}, fmt.Errorf("%w: instructor: %v", ErrInvalidClass, err)
		}
		c.InstructorID = id
	}
	if err := core.ValidateSlug(string(c.ID)); err != nil {
		return core.Class{}, fmt.Errorf("%w: id: %v", ErrInvalidClass, err)
	}
	if c.Name == "" {
		return core.Class{}, fmt.Errorf("%w: name is required", ErrInvalidClass)
	}
	if c.SchoolYear < 0 {
		return core.Class{}, fmt.Errorf("%w: school year must not be negative", ErrInvalidClass)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	err := s.storage.PutClass(ctx, c)
	if errors.Is(err, core.ErrConflict) {
		return core.Class{}, fmt.Errorf("%w: %s", ErrClassExists, c.ID)
	}
	if err != nil {
		return core.Class{}, err
	}
	s.logger.Info("class created", "class_id", c.ID, "instructor_id", c.InstructorID)
	return c, nil
}

func (s *Service) GetClass(ctx context.Context, id core.ClassID) (core.Class, error) {
	c, err := s.storage.GetClass(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Class{}, ErrClassNotFound
	}
	return c, err
}

// Enroll adds user to class. Every mission of the class, past and future,
// becomes completable by them. Enrolling twice reports created false.
func (s *Service) Enroll(ctx context.Context, class core.ClassID, user core.UserID) (core.Enrollment, bool, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return core.Enrollment{}, false, err
	}
	if _, err := s.GetClass(ctx, class); err != nil {
		return core.Enrollment{}, false, err
	}
	e := core.Enrollment{ClassID: class, UserID: user, EnrolledAt: s.now().UTC()}
	created, err := s.storage.Enroll(ctx, e)
	if err != nil {
		return core.Enrollment{}, false, fmt.Errorf("enroll: %w", err)
	}
	if created {
		s.logger.Info("student enrolled", "class_id", class, "user_id", user)
	}
	return e, created, nil
}

// assigned reports whether user may complete m.
func (s *Service) assigned(ctx context.Context, user core.UserID, m core.Mission) (bool, error) {
	if m.ClassID == "" {
		return true, nil
	}
	classes, err := s.storage.ClassesOf(ctx, user)
	if err != nil {
		return false, fmt.Errorf("list classes: %w", err)
	}
	return slices.Contains(classes, m.ClassID), nil
}

// CompleteMission marks missionID done for user. answer must be set for
// question missions and is ignored for tasks. Wrong answers complete the
// mission (it counts toward streaks and mission badges) but award no XP.
// Completing the same mission again changes nothing and reports
// AlreadyCompleted. Missions that belong to a class can only be completed by
// its students.
func (s *Service) CompleteMission(ctx context.Context, user core.UserID, missionID core.MissionID, answer *bool) (CompletionOutcome, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return CompletionOutcome{}, err
	}
	mission, err := s.GetMission(ctx, missionID)
	if err != nil {
		return CompletionOutcome{}, err
	}
	graded := mission.Kind.Graded()
	if graded && answer == nil {
		return CompletionOutcome{}, ErrAnswerRequired
	}
	if !graded {
		answer = nil
	}
	ok, err := s.assigned(ctx, user, mission)
	if err != nil {
		return CompletionOutcome{}, err
	}
	if !ok {
		return CompletionOutcome{}, ErrNotEnrolled
	}

	unlock := s.locks.lock(user)
	defer unlock()

	now := s.now()
	today := core.DateOf(now.In(s.location))
	completion := core.MissionCompletion{
		UserID:      user,
		MissionID:   mission.ID,
		Graded:      graded,
		Correct:     !graded || *answer,
		CompletedOn: today,
		CompletedAt: now.UTC(),
	}
	var (
		reward    int64
		leveledUp bool
		streak    core.StreakChange
	)
	if completion.Correct {
		reward = mission.XP
	}
	// The completion and its reward are written together; apply may run
	// more than once when the store retries.
	progress, created, err := s.storage.CommitCompletion(ctx, completion, func(p core.UserProgress) (core.UserProgress, error) {
		p, up, err := core.AddExperience(s.normalize(p), reward, s.curve)
		if err != nil {
			return p, err
		}
		p, streak = core.UpdateMissionStreak(p, today)
		p.Updated = now.UTC()
		leveledUp = up
		return p, nil
	})
	if err != nil {
		return CompletionOutcome{}, fmt.Errorf("complete mission: %w", err)
	}
	progress = s.normalize(progress)

	out := CompletionOutcome{Mission: mission, Correct: answer}
	if !created {
		s.logger.Debug("mission already completed", "user_id", user, "mission_id", mission.ID)
		out.AlreadyCompleted = true
		out.Progress = progress
		out.Streak = core.StreakChange{Kind: core.StreakUnchanged, Before: progress.CurrentStreak, After: progress.CurrentStreak}
		return out, nil
	}

	s.bus.Publish(ctx, core.NewMissionCompleted(user, mission.ID, answer))
	s.publishProgress(ctx, progress, reward, leveledUp, streak)

	badges, err := s.evaluate(ctx, progress)
	if err != nil {
		return CompletionOutcome{}, err
	}

	s.logger.Info("mission completed",
		"user_id", user,
		"mission_id", mission.ID,
		"xp_gained", reward,
		"level", progress.Level,
		"streak", progress.CurrentStreak)

	out.XPGained = reward
	out.LeveledUp = leveledUp
	out.Progress = progress
	out.Streak = streak
	out.NewBadges = badges
	return out, nil
}

// RecordAccess runs the access-based streak update and evaluates badges.
func (s *Service) RecordAccess(ctx context.Context, user core.UserID) (AccessOutcome, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return AccessOutcome{}, err
	}
	unlock := s.locks.lock(user)
	defer unlock()

	progress, err := s.load(ctx, user)
	if err != nil {
		return AccessOutcome{}, err
	}
	progress, streak := core.UpdateStreak(progress, s.Today())
	if streak.Kind != core.StreakUnchanged {
		progress.Updated = s.now().UTC()
		if err := s.storage.SaveProgress(ctx, progress); err != nil {
			return AccessOutcome{}, fmt.Errorf("save progress: %w", err)
		}
		s.bus.Publish(ctx, core.NewStreakUpdated(user, streak))
	}
	badges, err := s.evaluate(ctx, progress)
	if err != nil {
		return AccessOutcome{}, err
	}
	return AccessOutcome{Progress: progress, Streak: streak, NewBadges: badges}, nil
}

// AddExperience grants amount XP outside of a mission.
func (s *Service) AddExperience(ctx context.Context, user core.UserID, amount int64) (ExperienceOutcome, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return ExperienceOutcome{}, err
	}
	if amount < 0 {
		return ExperienceOutcome{}, core.ErrNegativeExperience
	}
	unlock := s.locks.lock(user)
	defer unlock()

	progress, err := s.load(ctx, user)
	if err != nil {
		return ExperienceOutcome{}, err
	}
	progress, leveledUp, err := core.AddExperience(progress, amount, s.curve)
	if err != nil {
		return ExperienceOutcome{}, err
	}
	progress.Updated = s.now().UTC()
	if err := s.storage.SaveProgress(ctx, progress); err != nil {
		return ExperienceOutcome{}, fmt.Errorf("save progress: %w", err)
	}
	s.publishProgress(ctx, progress, amount, leveledUp, core.StreakChange{Kind: core.StreakUnchanged})

	badges, err := s.evaluate(ctx, progress)
	if err != nil {
		return ExperienceOutcome{}, err
	}
	return ExperienceOutcome{Progress: progress, Gained: amount, LeveledUp: leveledUp, NewBadges: badges}, nil
}

// EvaluateBadges grants every badge the user now qualifies for and returns
// only the ones granted by this call.
func (s *Service) EvaluateBadges(ctx context.Context, user core.UserID) ([]core.BadgeDefinition, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(user)
	defer unlock()

	progress, err := s.load(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, progress)
}

// BadgeProgress reports progress toward every badge the user does not own.
func (s *Service) BadgeProgress(ctx context.Context, user core.UserID) ([]core.BadgeProgress, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	progress, err := s.load(ctx, user)
	if err != nil {
		return nil, err
	}
	defs, err := s.catalog.Badges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load badge catalog: %w", err)
	}
	metrics, err := s.metrics(ctx, progress)
	if err != nil {
		return nil, err
	}
	grants, err := s.storage.Grants(ctx, user)
	if err != nil {
		return nil, err
	}
	owned := make(map[core.BadgeID]struct{}, len(grants))
	for _, g := range grants {
		owned[g.BadgeID] = struct{}{}
	}
	return core.Progress(defs, owned, metrics), nil
}

// Badges returns the badge catalog.
func (s *Service) Badges(ctx context.Context) ([]core.BadgeDefinition, error) {
	return s.catalog.Badges(ctx)
}

// Grants returns the badges a user owns.
func (s *Service) Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return nil, err
	}
	return s.storage.Grants(ctx, user)
}

func (s *Service) GetProgress(ctx context.Context, user core.UserID) (core.UserProgress, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return core.UserProgress{}, err
	}
	return s.load(ctx, user)
}

// load reads user's progress with Level derived from Experience under the
// configured curve, whatever the stored row says.
func (s *Service) load(ctx context.Context, user core.UserID) (core.UserProgress, error) {
	p, err := s.storage.GetProgress(ctx, user)
	if err != nil {
		return core.UserProgress{}, err
	}
	return s.normalize(p), nil
}

func (s *Service) normalize(p core.UserProgress) core.UserProgress {
	p.Level = s.curve.LevelFor(p.Experience)
	return p
}

// Dashboard gathers the student summary without changing any state.
func (s *Service) Dashboard(ctx context.Context, user core.UserID) (Dashboard, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return Dashboard{}, err
	}
	progress, err := s.load(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}
	done, err := s.storage.Completions(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}
	grants, err := s.storage.Grants(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}
	missions, err := s.assignedMissions(ctx, user)
	if err != nil {
		return Dashboard{}, err
	}

	today := s.Today()
	byMission := make(map[core.MissionID]core.MissionCompletion, len(done))
	var completedToday int64
	for _, c := range done {
		byMission[c.MissionID] = c
		if c.CompletedOn == today {
			completedToday++
		}
	}
	statuses := make([]MissionStatus, 0, len(missions))
	finished := 0
	for _, m := range missions {
		st := MissionStatus{Mission: m}
		if c, ok := byMission[m.ID]; ok {
			st.Completed = true
			st.CompletedOn = c.CompletedOn
			finished++
		}
		statuses = append(statuses, st)
	}

	percent, toNext := core.LevelProgress(progress, s.curve)
	return Dashboard{
		Progress:          progress,
		LevelPercent:      percent,
		XPToNextLevel:     toNext,
		StreakTitle:       core.StreakTitle(progress.CurrentStreak),
		MissionsCompleted: int64(len(done)),
		CompletedToday:    completedToday,
		Missions:          statuses,
		Pending:           len(missions) - finished,
		AssignmentPercent: core.Percent(int64(finished), int64(len(missions))),
		Badges:            grants,
	}, nil
}

func (s *Service) assignedMissions(ctx context.Context, user core.UserID) ([]core.Mission, error) {
	classes, err := s.storage.ClassesOf(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	var out []core.Mission
	for _, c := range classes {
		ms, err := s.storage.ClassMissions(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("list missions of %s: %w", c, err)
		}
		out = append(out, ms...)
	}
	core.SortMissions(out)
	return out, nil
}

// ClassReport ranks the students of class by experience and shows how much
// of the class's work each has finished.
func (s *Service) ClassReport(ctx context.Context, class core.ClassID) (ClassReport, error) {
	c, err := s.GetClass(ctx, class)
	if err != nil {
		return ClassReport{}, err
	}
	missions, err := s.storage.ClassMissions(ctx, class)
	if err != nil {
		return ClassReport{}, fmt.Errorf("list class missions: %w", err)
	}
	inClass := make(map[core.MissionID]struct{}, len(missions))
	for _, m := range missions {
		inClass[m.ID] = struct{}{}
	}
	members, err := s.storage.Members(ctx, class)
	if err != nil {
		return ClassReport{}, fmt.Errorf("list members: %w", err)
	}

	students := make([]StudentReport, 0, len(members))
	for _, u := range members {
		p, err := s.load(ctx, u)
		if err != nil {
			return ClassReport{}, err
		}
		done, err := s.storage.Completions(ctx, u)
		if err != nil {
			return ClassReport{}, err
		}
		n := 0
		for _, d := range done {
			if _, ok := inClass[d.MissionID]; ok {
				n++
			}
		}
		students = append(students, StudentReport{
			UserID:            u,
			Experience:        p.Experience,
			Level:             p.Level,
			MissionsCompleted: n,
			Percent:           core.Percent(int64(n), int64(len(missions))),
		})
	}
	sort.SliceStable(students, func(i, j int) bool {
		if students[i].Experience != students[j].Experience {
			return students[i].Experience > students[j].Experience
		}
		return students[i].UserID < students[j].UserID
	})
	return ClassReport{Class: c, Missions: len(missions), Students: students}, nil
}

func (s *Service) Close() { s.bus.Close() }

func (s *Service) publishProgress(ctx context.Context, p core.UserProgress, gained int64, leveledUp bool, streak core.StreakChange) {
	if gained > 0 {
		s.bus.Publish(ctx, core.NewExperienceGained(p.UserID, gained, p.Experience))
	}
	if leveledUp {
		s.logger.Info("level up", "user_id", p.UserID, "level", p.Level)
		s.bus.Publish(ctx, core.NewLevelUp(p.UserID, p.Level))
	}
	if streak.Kind != core.StreakUnchanged {
		s.bus.Publish(ctx, core.NewStreakUpdated(p.UserID, streak))
	}
}

func (s *Service) metrics(ctx context.Context, p core.UserProgress) (core.Metrics, error) {
	completed, err := s.storage.CountCompletions(ctx, p.UserID)
	if err != nil {
		return core.Metrics{}, fmt.Errorf("count completions: %w", err)
	}
	recent, err := s.storage.RecentGraded(ctx, p.UserID, core.RecentAnswerWindow)
	if err != nil {
		return core.Metrics{}, fmt.Errorf("recent answers: %w", err)
	}
	return core.Metrics{
		MissionsCompleted:  completed,
		CurrentStreak:      p.CurrentStreak,
		Level:              p.Level,
		ConsecutiveCorrect: core.ConsecutiveCorrect(recent),
	}, nil
}

// evaluate grants eligible badges for p. Callers hold the user lock.
func (s *Service) evaluate(ctx context.Context, p core.UserProgress) ([]core.BadgeDefinition, error) {
	defs, err := s.catalog.Badges(ctx)
	if err != nil {
		return nil, fmt.Errorf("load badge catalog: %w", err)
	}
	metrics, err := s.metrics(ctx, p)
	if err != nil {
		return nil, err
	}
	granted := []core.BadgeDefinition{}
	for _, d := range core.Eligible(defs, metrics) {
		created, err := s.storage.GrantBadge(ctx, core.BadgeGrant{UserID: p.UserID, BadgeID: d.ID, GrantedAt: s.now().UTC()})
		if err != nil {
			return granted, fmt.Errorf("grant badge %s: %w", d.ID, err)
		}
		if !created {
			continue
		}
		s.logger.Info("badge granted", "user_id", p.UserID, "badge", d.ID)
		s.bus.Publish(ctx, core.NewBadgeGranted(p.UserID, d.ID))
		granted = append(granted, d)
	}
	return granted, nil
}
