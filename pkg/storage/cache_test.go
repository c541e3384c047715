package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viva-health/screening/pkg/common/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *AssessmentCache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewAssessmentCache(client, time.Minute)
}

func TestAssessmentCacheRoundTrip(t *testing.T) {
	mr, cache := setupTestRedis(t)
	ctx := context.Background()
	risk := 1.83
	resp := models.RiskCheckResponse{
		Success:               true,
		IsAtRisk:              true,
		PredictedRelativeRisk: &risk,
		RiskPercentage:        "83.0%",
		ScreeningStatus:       "Urgent: high predicted risk",
		FeatureBreakdown:      []models.FeatureImpact{{Label: "Age Factor", Weight: 0.25}},
		Message:               "High risk detected",
	}
	key := AssessmentKey("412-555-1234", time.Unix(0, 10), time.Unix(0, 20))
	assert.Equal(t, "risk:412-555-1234:10:20", key)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, resp))
	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, resp, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssessmentCacheCorruptEntry(t *testing.T) {
	mr, cache := setupTestRedis(t)
	require.NoError(t, mr.Set("risk:1", "{broken"))

	_, ok, err := cache.Get(context.Background(), "risk:1")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAssessmentCacheUnavailable(t *testing.T) {
	mr, cache := setupTestRedis(t)
	mr.Close()

	_, _, err := cache.Get(context.Background(), "risk:1")
	assert.Error(t, err)
}
