package terminology

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/cache"
)

// CachedRepository serves code lookups from Redis and falls back to the
// wrapped repository. Searches are not cached. A cache outage degrades to
// direct reads.
type CachedRepository struct {
	next   Repository
	cache  *cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(next Repository, c *cache.Cache, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{next: next, cache: c, ttl: ttl, logger: logger}
}

func cacheKey(codeType, code string) string {
	if codeType == "" {
		codeType = "any"
	}
	return codeType + ":" + code
}

func (r *CachedRepository) GetByCode(ctx context.Context, codeType, code string) (*MedicalCode, error) {
	key := cacheKey(codeType, code)
	var mc MedicalCode
	err := r.cache.Get(ctx, key, &mc)
	if err == nil {
		return &mc, nil
	}
	if !cache.IsMiss(err) {
		r.logger.Warn().Err(err).Str("code", code).Msg("medical code cache read failed")
	}

	found, err := r.next.GetByCode(ctx, codeType, code)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, found)
	return found, nil
}

func (r *CachedRepository) LookupCodes(ctx context.Context, codeType string, codes []string) (map[string]*MedicalCode, error) {
	out := make(map[string]*MedicalCode, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	keys := make([]string, len(codes))
	byKey := make(map[string]string, len(codes))
	for i, code := range codes {
		keys[i] = cacheKey(codeType, code)
		byKey[keys[i]] = code
	}

	missed, err := r.cache.GetMany(ctx, keys, func(key string, data []byte) error {
		var mc MedicalCode
		if err := json.Unmarshal(data, &mc); err != nil {
			return err
		}
		out[byKey[key]] = &mc
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Int("codes", len(codes)).Msg("medical code cache read failed")
		out = make(map[string]*MedicalCode, len(codes))
		missed = keys
	}
	if len(missed) == 0 {
		return out, nil
	}

	pending := make([]string, len(missed))
	for i, key := range missed {
		pending[i] = byKey[key]
	}
	found, err := r.next.LookupCodes(ctx, codeType, pending)
	if err != nil {
		return nil, err
	}
	for code, mc := range found {
		out[code] = mc
		r.store(ctx, cacheKey(codeType, code), mc)
	}
	return out, nil
}

func (r *CachedRepository) Search(ctx context.Context, params SearchParams) ([]*MedicalCode, error) {
	return r.next.Search(ctx, params)
}

func (r *CachedRepository) store(ctx context.Context, key string, mc *MedicalCode) {
	if err := r.cache.Set(ctx, key, mc, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("medical code cache write failed")
	}
}
