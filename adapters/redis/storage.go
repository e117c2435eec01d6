package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"xp360/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `json:"password,omitempty" yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"REDIS_DB"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements the engine.Storage interface using Redis as the backend.
// Data structure:
// - user:{user_id}:progress -> hash of UserProgress fields
// - user:{user_id}:completions -> hash mission_id -> JSON MissionCompletion
// - user:{user_id}:graded -> zset of graded mission ids scored by completion time
// - user:{user_id}:badges -> hash badge_id -> grant time (RFC3339Nano)
// - user:{user_id}:classes -> set of class ids
// - mission:{mission_id} -> JSON Mission
// - class:{class_id} -> JSON Class
// - class:{class_id}:members -> set of user ids
// - class:{class_id}:missions -> zset of mission ids scored by creation time
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func progressKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:progress", userID)
}

func completionsKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:completions", userID)
}

func gradedKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:graded", userID)
}

func badgesKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:badges", userID)
}

func userClassesKey(userID core.UserID) string {
	return fmt.Sprintf("user:%s:classes", userID)
}

func missionKey(id core.MissionID) string {
	return fmt.Sprintf("mission:%s", id)
}

func classKey(id core.ClassID) string {
	return fmt.Sprintf("class:%s", id)
}

func classMembersKey(id core.ClassID) string {
	return fmt.Sprintf("class:%s:members", id)
}

func classMissionsKey(id core.ClassID) string {
	return fmt.Sprintf("class:%s:missions", id)
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

const (
	fieldExperience     = "experience"
	fieldLevel          = "level"
	fieldCurrentStreak  = "current_streak"
	fieldBestStreak     = "best_streak"
	fieldLastActivity   = "last_activity"
	fieldLastCompletion = "last_mission_completion"
	fieldUpdated        = "updated_at"
)

// GetProgress reads the progress hash; a missing hash is a fresh student.
func (s *Store) GetProgress(ctx context.Context, userID core.UserID) (core.UserProgress, error) {
	return readProgress(ctx, s.client, userID)
}

func readProgress(ctx context.Context, r hashReader, userID core.UserID) (core.UserProgress, error) {
	fields, err := r.HGetAll(ctx, progressKey(userID)).Result()
	if err != nil {
		return core.UserProgress{}, fmt.Errorf("failed to get progress: %w", err)
	}
	p := core.NewProgress(userID)
	if len(fields) == 0 {
		return p, nil
	}
	ints := []struct {
		field string
		dst   *int64
	}{
		{fieldExperience, &p.Experience},
		{fieldLevel, &p.Level},
		{fieldCurrentStreak, &p.CurrentStreak},
		{fieldBestStreak, &p.BestStreak},
	}
	for _, f := range ints {
		if v, ok := fields[f.field]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return core.UserProgress{}, fmt.Errorf("corrupt progress field %s: %w", f.field, err)
			}
			*f.dst = n
		}
	}
	if err := p.LastActivity.UnmarshalText([]byte(fields[fieldLastActivity])); err != nil {
		return core.UserProgress{}, fmt.Errorf("corrupt progress field %s: %w", fieldLastActivity, err)
	}
	if err := p.LastMissionCompletion.UnmarshalText([]byte(fields[fieldLastCompletion])); err != nil {
		return core.UserProgress{}, fmt.Errorf("corrupt progress field %s: %w", fieldLastCompletion, err)
	}
	if v := fields[fieldUpdated]; v != "" {
		if p.Updated, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return core.UserProgress{}, fmt.Errorf("corrupt progress field %s: %w", fieldUpdated, err)
		}
	}
	return p, nil
}

func progressFields(p core.UserProgress) map[string]any {
	return map[string]any{
		fieldExperience:     p.Experience,
		fieldLevel:          p.Level,
		fieldCurrentStreak:  p.CurrentStreak,
		fieldBestStreak:     p.BestStreak,
		fieldLastActivity:   p.LastActivity.String(),
		fieldLastCompletion: p.LastMissionCompletion.String(),
		fieldUpdated:        p.Updated.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Store) SaveProgress(ctx context.Context, p core.UserProgress) error {
	if err := s.client.HSet(ctx, progressKey(p.UserID), progressFields(p)).Err(); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// ListProgress scans every progress hash. Intended for startup seeding, not
// request paths.
func (s *Store) ListProgress(ctx context.Context) ([]core.UserProgress, error) {
	var out []core.UserProgress
	iter := s.client.Scan(ctx, 0, "user:*:progress", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		user := strings.TrimSuffix(strings.TrimPrefix(key, "user:"), ":progress")
		p, err := s.GetProgress(ctx, core.UserID(user))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan progress keys: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) PutClass(ctx context.Context, c core.Class) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, classKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to put class: %w", err)
	}
	if !ok {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) GetClass(ctx context.Context, id core.ClassID) (core.Class, error) {
	data, err := s.client.Get(ctx, classKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Class{}, core.ErrNotFound
	}
	if err != nil {
		return core.Class{}, fmt.Errorf("failed to get class: %w", err)
	}
	var c core.Class
	if err := json.Unmarshal(data, &c); err != nil {
		return core.Class{}, err
	}
	return c, nil
}

// Enroll adds the user to the class set and the class to the user set in one
// MULTI block.
func (s *Store) Enroll(ctx context.Context, e core.Enrollment) (bool, error) {
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, classMembersKey(e.ClassID), string(e.UserID))
		pipe.SAdd(ctx, userClassesKey(e.UserID), string(e.ClassID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to enroll: %w", err)
	}
	return added.Val() == 1, nil
}

func (s *Store) Members(ctx context.Context, class core.ClassID) ([]core.UserID, error) {
	ids, err := s.client.SMembers(ctx, classMembersKey(class)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	out := make([]core.UserID, len(ids))
	for i, id := range ids {
		out[i] = core.UserID(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ClassesOf(ctx context.Context, user core.UserID) ([]core.ClassID, error) {
	ids, err := s.client.SMembers(ctx, userClassesKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}
	out := make([]core.ClassID, len(ids))
	for i, id := range ids {
		out[i] = core.ClassID(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Lua script so a mission is created at most once and indexed under its
// class in the same step
var putMissionScript = redis.NewScript(`
	if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
		return 0
	end
	if ARGV[2] ~= '' then
		redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
	end
	return 1
`)

func (s *Store) PutMission(ctx context.Context, m core.Mission) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	member := ""
	if m.ClassID != "" {
		member = string(m.ID)
	}
	keys := []string{missionKey(m.ID), classMissionsKey(m.ClassID)}
	created, err := putMissionScript.Run(ctx, s.client, keys, data, member, m.CreatedAt.UnixMicro()).Int64()
	if err != nil {
		return fmt.Errorf("failed to put mission: %w", err)
	}
	if created == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	data, err := s.client.Get(ctx, missionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Mission{}, core.ErrNotFound
	}
	if err != nil {
		return core.Mission{}, fmt.Errorf("failed to get mission: %w", err)
	}
	var m core.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		return core.Mission{}, err
	}
	return m, nil
}

func (s *Store) ClassMissions(ctx context.Context, class core.ClassID) ([]core.Mission, error) {
	ids, err := s.client.ZRevRange(ctx, classMissionsKey(class), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read class missions: %w", err)
	}
	out := make([]core.Mission, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = missionKey(core.MissionID(id))
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read missions: %w", err)
	}
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("class index references missing mission %s", ids[i])
		}
		var m core.Mission
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	core.SortMissions(out)
	return out, nil
}

const maxTxAttempts = 5

// CommitCompletion watches the completions and progress keys, then writes the
// completion, the graded index entry and the new progress in one MULTI block.
// apply may run more than once when a concurrent writer touches the keys.
func (s *Store) CommitCompletion(ctx context.Context, c core.MissionCompletion, apply func(core.UserProgress) (core.UserProgress, error)) (core.UserProgress, bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return core.UserProgress{}, false, err
	}
	var (
		out     core.UserProgress
		created bool
	)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, completionsKey(c.UserID), string(c.MissionID)).Result()
		if err != nil {
			return err
		}
		p, err := readProgress(ctx, tx, c.UserID)
		if err != nil {
			return err
		}
		out, created = p, false
		if exists {
			return nil
		}
		next := p
		if apply != nil {
			if next, err = apply(p); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, completionsKey(c.UserID), string(c.MissionID), data)
			if c.Graded {
				pipe.ZAdd(ctx, gradedKey(c.UserID), redis.Z{Score: float64(c.CompletedAt.UnixMicro()), Member: string(c.MissionID)})
			}
			if apply != nil {
				pipe.HSet(ctx, progressKey(c.UserID), progressFields(next))
			}
			return nil
		})
		if err != nil {
			return err
		}
		out, created = next, true
		return nil
	}

	for range maxTxAttempts {
		err = s.client.Watch(ctx, txf, completionsKey(c.UserID), progressKey(c.UserID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return core.UserProgress{}, false, fmt.Errorf("failed to record completion: %w", err)
		}
		return out, created, nil
	}
	return core.UserProgress{}, false, fmt.Errorf("failed to record completion: %w", err)
}

// Completions returns every completion of the user ordered by completion time.
func (s *Store) Completions(ctx context.Context, userID core.UserID) ([]core.MissionCompletion, error) {
	fields, err := s.client.HGetAll(ctx, completionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read completions: %w", err)
	}
	out := make([]core.MissionCompletion, 0, len(fields))
	for _, v := range fields {
		var c core.MissionCompletion
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompletedAt.Equal(out[j].CompletedAt) {
			return out[i].MissionID < out[j].MissionID
		}
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out, nil
}

func (s *Store) CountCompletions(ctx context.Context, userID core.UserID) (int64, error) {
	n, err := s.client.HLen(ctx, completionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count completions: %w", err)
	}
	return n, nil
}

// RecentGraded reads the newest graded mission ids from the zset and resolves
// them through the completions hash.
func (s *Store) RecentGraded(ctx context.Context, userID core.UserID, limit int) ([]core.MissionCompletion, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.ZRevRange(ctx, gradedKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read graded index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, completionsKey(userID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read completions: %w", err)
	}
	out := make([]core.MissionCompletion, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("graded index references missing completion %s", ids[i])
		}
		var c core.MissionCompletion
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GrantBadge(ctx context.Context, g core.BadgeGrant) (bool, error) {
	created, err := s.client.HSetNX(ctx, badgesKey(g.UserID), string(g.BadgeID), g.GrantedAt.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to grant badge: %w", err)
	}
	return created, nil
}

func (s *Store) Grants(ctx context.Context, userID core.UserID) ([]core.BadgeGrant, error) {
	fields, err := s.client.HGetAll(ctx, badgesKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get badges: %w", err)
	}
	out := make([]core.BadgeGrant, 0, len(fields))
	for id, at := range fields {
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("corrupt grant time for %s: %w", id, err)
		}
		out = append(out, core.BadgeGrant{UserID: userID, BadgeID: core.BadgeID(id), GrantedAt: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].BadgeID < out[j].BadgeID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}
