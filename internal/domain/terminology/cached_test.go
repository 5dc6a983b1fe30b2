package terminology

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/cache"
)

type fakeRedis struct {
	redis.Cmdable
	data map[string]string
	fail error
}

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
	if b, ok := value.([]byte); ok && f.fail == nil {
		f.data[key] = string(b)
	}
	return redis.NewStatusResult("OK", f.fail)
}

func newCachedRepo() (*CachedRepository, *mockCodeRepo, *fakeRedis) {
	inner := newMockCodeRepo()
	rdb := &fakeRedis{data: map[string]string{}}
	repo := NewCachedRepository(inner, cache.New(rdb, "medcode:"), time.Hour, zerolog.New(io.Discard))
	return repo, inner, rdb
}

func TestCachedRepository_GetByCode(t *testing.T) {
	repo, inner, _ := newCachedRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mc, err := repo.GetByCode(ctx, TypeICD10, "I10")
		if err != nil {
			t.Fatalf("GetByCode: %v", err)
		}
		if mc.Code != "I10" {
			t.Fatalf("unexpected code %s", mc.Code)
		}
	}
	if inner.getCalls != 1 {
		t.Errorf("expected 1 database read, got %d", inner.getCalls)
	}
}

func TestCachedRepository_LookupCodes_OnlyMissesHitDatabase(t *testing.T) {
	repo, inner, rdb := newCachedRepo()
	ctx := context.Background()

	if _, err := repo.LookupCodes(ctx, "", []string{"I10"}); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if _, ok := rdb.data["medcode:any:I10"]; !ok {
		t.Fatal("expected I10 to be cached")
	}

	got, err := repo.LookupCodes(ctx, "", []string{"I10", "E11.9", "NOPE"})
	if err != nil {
		t.Fatalf("LookupCodes: %v", err)
	}
	if len(got) != 2 || got["I10"] == nil || got["E11.9"] == nil {
		t.Errorf("unexpected result %v", got)
	}
	if inner.lookupCalls != 2 {
		t.Errorf("expected 2 database lookups, got %d", inner.lookupCalls)
	}
}

func TestCachedRepository_CacheDown(t *testing.T) {
	repo, inner, rdb := newCachedRepo()
	rdb.fail = errors.New("connection refused")

	got, err := repo.LookupCodes(context.Background(), "", []string{"I10", "83036"})
	if err != nil {
		t.Fatalf("expected fallback to database, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 codes, got %d", len(got))
	}
	if _, err := repo.GetByCode(context.Background(), "", "83036"); err != nil {
		t.Errorf("GetByCode with cache down: %v", err)
	}
	if inner.getCalls != 1 {
		t.Errorf("expected direct read, got %d calls", inner.getCalls)
	}
}
