package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the handful of commands the cache uses.
type fakeRedis struct {
	redis.Cmdable
	data map[string]string
	fail error
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.fail != nil {
		return redis.NewStringResult("", f.fail)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, f.fail)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", f.fail)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, f.fail)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.fail)
}

type code struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func TestCache_SetGet(t *testing.T) {
	r := newFakeRedis()
	c := New(r, "medcode:")
	ctx := context.Background()

	if err := c.Set(ctx, "E11.9", code{"E11.9", "Type 2 diabetes"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := r.data["medcode:E11.9"]; !ok {
		t.Error("expected prefixed key in redis")
	}

	var got code
	if err := c.Get(ctx, "E11.9", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "Type 2 diabetes" {
		t.Errorf("unexpected value %+v", got)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New(newFakeRedis(), "p:")
	var got code
	err := c.Get(context.Background(), "nope", &got)
	if !IsMiss(err) {
		t.Fatalf("expected miss, got %v", err)
	}
}

func TestCache_BackendError(t *testing.T) {
	r := newFakeRedis()
	r.fail = errors.New("connection refused")
	c := New(r, "p:")
	var got code
	err := c.Get(context.Background(), "x", &got)
	if err == nil || IsMiss(err) {
		t.Fatalf("expected non-miss error, got %v", err)
	}
	if c.Ping(context.Background()) == nil {
		t.Error("expected ping to fail")
	}
}

func TestCache_GetMany(t *testing.T) {
	r := newFakeRedis()
	c := New(r, "p:")
	ctx := context.Background()
	_ = c.Set(ctx, "a", code{"a", "A"}, 0)
	_ = c.Set(ctx, "c", code{"c", "C"}, 0)

	hits := map[string]string{}
	missed, err := c.GetMany(ctx, []string{"a", "b", "c"}, func(key string, data []byte) error {
		hits[key] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 hits, got %v", hits)
	}
	if len(missed) != 1 || missed[0] != "b" {
		t.Errorf("expected b to miss, got %v", missed)
	}
}

func TestCache_Delete(t *testing.T) {
	r := newFakeRedis()
	c := New(r, "p:")
	ctx := context.Background()
	_ = c.Set(ctx, "a", code{}, 0)
	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(r.data) != 0 {
		t.Errorf("expected empty store, got %v", r.data)
	}
}
