// Package queue moves clip jobs through redis: a task list consumed with
// BLPOP, a status hash per task and a results list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/forPelevin/petclip/internal/log"
	"github.com/forPelevin/petclip/internal/types"
)

const (
	TaskList     = "pet_video_tasks"
	ResultList   = "pet_video_results"
	StatusPrefix = "pet_video_status:"

	opTimeout = 3 * time.Second
)

var ErrTaskNotFound = errors.New("task not found")

type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

// Task is the JSON payload pushed onto TaskList.
type Task struct {
	ID        string `json:"task_id"`
	PhotoPath string `json:"photo_path"`
	AudioPath string `json:"audio_path,omitempty"`
	Action    string `json:"action"`
	Ratio     string `json:"ratio"`
	Duration  int    `json:"duration"`
	// ExtendedDuration is in seconds; zero keeps the clip length.
	ExtendedDuration int       `json:"extended_duration,omitempty"`
	Message          string    `json:"message,omitempty"`
	UseLocalStorage  bool      `json:"use_local_storage,omitempty"`
	Retries          int       `json:"retries,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Status is the decoded status hash of a task.
type Status struct {
	TaskID    string                  `json:"task_id"`
	State     State                   `json:"state"`
	Stage     string                  `json:"stage,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Kind      string                  `json:"kind,omitempty"`
	Retries   int                     `json:"retries,omitempty"`
	Result    *types.ResultDescriptor `json:"result,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Result is pushed onto ResultList when a task finishes for good.
type Result struct {
	TaskID string                  `json:"task_id"`
	State  State                   `json:"state"`
	Result *types.ResultDescriptor `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type Queue struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client, log: log.WithComponent("queue"), now: time.Now}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Ping reports whether redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue assigns an id when missing, records the QUEUED status and appends
// the task to TaskList.
func (q *Queue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now().UTC()
	}
	if err := q.push(ctx, t, ""); err != nil {
		return t, err
	}
	q.log.Info().Str("task_id", t.ID).Msg("task queued")
	return t, nil
}

func (q *Queue) push(ctx context.Context, t Task, lastErr string) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields := map[string]any{
		"state":      string(StateQueued),
		"retries":    t.Retries,
		"updated_at": q.now().UTC().Format(time.RFC3339Nano),
	}
	if lastErr != "" {
		fields["error"] = lastErr
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, StatusPrefix+t.ID, fields)
		p.RPush(ctx, TaskList, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Status reads the status hash of id.
func (q *Queue) Status(ctx context.Context, id string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := q.client.HGetAll(ctx, StatusPrefix+id).Result()
	if err != nil {
		return Status{}, fmt.Errorf("read status %s: %w", id, err)
	}
	if len(m) == 0 {
		return Status{}, ErrTaskNotFound
	}
	st := Status{
		TaskID: id,
		State:  State(m["state"]),
		Stage:  m["stage"],
		Error:  m["error"],
		Kind:   m["kind"],
	}
	st.Retries, _ = strconv.Atoi(m["retries"])
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])
	if raw := m["result"]; raw != "" {
		var res types.ResultDescriptor
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return st, fmt.Errorf("decode result of %s: %w", id, err)
		}
		st.Result = &res
	}
	return st, nil
}

func (q *Queue) setStatus(ctx context.Context, id string, state State, fields map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if fields == nil {
		fields = map[string]any{}
	}
	fields["state"] = string(state)
	fields["updated_at"] = q.now().UTC().Format(time.RFC3339Nano)
	key := StatusPrefix + id
	if state == StateProcessing {
		// A retried task must not show the previous attempt's failure.
		if err := q.client.HDel(ctx, key, "error", "stage", "kind").Err(); err != nil {
			return err
		}
	}
	return q.client.HSet(ctx, key, fields).Err()
}

func (q *Queue) pushResult(ctx context.Context, r Result) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return q.client.RPush(ctx, ResultList, b).Err()
}

// pop blocks up to timeout for the next task. It returns (nil, nil) when the
// list stayed empty.
func (q *Queue) pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	vals, err := q.client.BLPop(ctx, timeout, TaskList).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d values", len(vals))
	}
	return []byte(vals[1]), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
