package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/viva-health/screening/pkg/common/logger"
	"github.com/viva-health/screening/pkg/common/models"
)

// AssessmentCache keeps recent check-risk responses in Redis.
type AssessmentCache struct {
	client   *redis.Client
	cacheTTL time.Duration
}

func NewAssessmentCache(client *redis.Client, ttl time.Duration) *AssessmentCache {
	return &AssessmentCache{client: client, cacheTTL: ttl}
}

// AssessmentKey scopes a cached response to the artifact versions it was computed from.
func AssessmentKey(nhsNumber string, versions ...time.Time) string {
	parts := []string{"risk", nhsNumber}
	for _, v := range versions {
		parts = append(parts, fmt.Sprintf("%d", v.UnixNano()))
	}
	return strings.Join(parts, ":")
}

func (c *AssessmentCache) Get(ctx context.Context, key string) (models.RiskCheckResponse, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.RiskCheckResponse{}, false, nil
	}
	if err != nil {
		return models.RiskCheckResponse{}, false, err
	}
	var resp models.RiskCheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.RiskCheckResponse{}, false, fmt.Errorf("decode cached assessment: %w", err)
	}
	logger.Log.WithField("key", key).Debug("Assessment cache hit")
	return resp, true, nil
}

func (c *AssessmentCache) Set(ctx context.Context, key string, resp models.RiskCheckResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.cacheTTL).Err()
}
