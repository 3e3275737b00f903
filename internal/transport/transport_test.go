package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ShayCichocki/orchestra/pkg/models"
)

func TestLocal_PublishKeepsHistory(t *testing.T) {
	l := NewLocal(nil, 2)
	for _, id := range []string{"a", "b", "c"} {
		if err := l.Publish(context.Background(), models.DispatchMessage{TaskID: id}); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}

	if l.Published() != 3 {
		t.Errorf("Published() = %d, want 3", l.Published())
	}
	h := l.History()
	if len(h) != 2 || h[0].TaskID != "b" || h[1].TaskID != "c" {
		t.Errorf("History() = %+v, want [b c]", h)
	}
}

func TestLocal_PublishHonoursContext(t *testing.T) {
	l := NewLocal(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Publish(ctx, models.DispatchMessage{TaskID: "a"}); err == nil {
		t.Error("expected error for cancelled context")
	}
	if l.Published() != 0 {
		t.Error("message should not be counted")
	}
}

func TestRedis_Keys(t *testing.T) {
	r := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), RedisConfig{KeyPrefix: "jobs"}, nil)
	defer r.Close()

	if got := r.TaskKey("42"); got != "jobs:task:42" {
		t.Errorf("TaskKey = %q", got)
	}
	if got := r.CancelChannel(); got != "jobs:cancel" {
		t.Errorf("CancelChannel = %q", got)
	}
	if r.cfg.DispatchQueue != "jobs:dispatch" || r.cfg.ReportsQueue != "jobs:reports" {
		t.Errorf("default queues = %q, %q", r.cfg.DispatchQueue, r.cfg.ReportsQueue)
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	if _, err := NewRedis(RedisConfig{URL: "not a url"}, nil); err == nil {
		t.Error("expected error for invalid url")
	}
}

// setupRedis connects to ORCHESTRA_TEST_REDIS_URL or skips.
func setupRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("ORCHESTRA_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ORCHESTRA_TEST_REDIS_URL not set")
	}
	prefix := "orchestra-test-" + time.Now().Format("150405.000000")
	r, err := NewRedis(RedisConfig{URL: url, KeyPrefix: prefix, TaskTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		r.client.Del(context.Background(), r.cfg.DispatchQueue, r.cfg.ReportsQueue)
		r.Close()
	})
	return r
}

func TestRedis_RoundTrip(t *testing.T) {
	r := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := models.DispatchMessage{TaskID: "t1", TemplateName: "echo", Parameters: map[string]any{"text": "hi"}, Priority: 7}
	if err := r.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := r.NextDispatch(ctx)
	if err != nil {
		t.Fatalf("NextDispatch: %v", err)
	}
	if got.TaskID != "t1" || got.Priority != 7 || got.Parameters["text"] != "hi" {
		t.Errorf("NextDispatch = %+v", got)
	}
	if ttl := r.client.TTL(ctx, r.TaskKey("t1")).Val(); ttl <= 0 {
		t.Errorf("task key TTL = %v, want positive", ttl)
	}

	if err := r.PushReport(ctx, models.TaskReport{TaskID: "t1", Status: models.TaskStatusCompleted}); err != nil {
		t.Fatalf("PushReport: %v", err)
	}
	report, err := r.NextReport(ctx)
	if err != nil {
		t.Fatalf("NextReport: %v", err)
	}
	if report.TaskID != "t1" || report.Status != models.TaskStatusCompleted {
		t.Errorf("NextReport = %+v", report)
	}
}

func TestRedis_NextReportHonoursContext(t *testing.T) {
	r := setupRedis(t)
	r.pollTimeout = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if _, err := r.NextReport(ctx); err == nil {
		t.Error("expected context error on empty queue")
	}
}
