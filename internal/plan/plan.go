// Package plan defines the immutable per-tier limits used during admission.
package plan

import (
	"errors"
	"strings"
)

// Tier is the closed set of subscription tiers. Unknown tiers are a
// parse error, never a silent fallback.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var ErrUnknownTier = errors.New("unknown_plan_tier")

func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierFree:
		return TierFree, nil
	case TierStarter:
		return TierStarter, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", ErrUnknownTier
	}
}

// Unlimited is the sentinel for limits that never deny.
const Unlimited = -1

type Feature string

const (
	FeatureWatermarkRemoval Feature = "watermark_removal"
	FeatureCrop             Feature = "crop"
	FeatureBatch            Feature = "batch"
	FeaturePriorityQueue    Feature = "priority_queue"
)

// Plan is deploy-time configuration for a tier; never mutated at runtime.
type Plan struct {
	Tier               Tier
	DailyJobLimit      int
	MonthlyJobLimit    int
	ConcurrentJobLimit int
	MaxFileSizeBytes   int64
	MaxDurationSeconds int
	CreditsPerJob      int64
	Features           map[Feature]struct{}
}

func (p Plan) Allows(f Feature) bool {
	_, ok := p.Features[f]
	return ok
}

func features(fs ...Feature) map[Feature]struct{} {
	set := make(map[Feature]struct{}, len(fs))
	for _, f := range fs {
		set[f] = struct{}{}
	}
	return set
}

// CatalogFor returns the static plan for a tier. The switch is exhaustive
// over the closed Tier set.
func CatalogFor(tier Tier) (Plan, error) {
	switch tier {
	case TierFree:
		return Plan{
			Tier:               TierFree,
			DailyJobLimit:      3,
			MonthlyJobLimit:    10,
			ConcurrentJobLimit: 5,
			MaxFileSizeBytes:   100 << 20,
			MaxDurationSeconds: 60,
			CreditsPerJob:      1,
			Features:           features(FeatureWatermarkRemoval),
		}, nil
	case TierStarter:
		return Plan{
			Tier:               TierStarter,
			DailyJobLimit:      20,
			MonthlyJobLimit:    200,
			ConcurrentJobLimit: 10,
			MaxFileSizeBytes:   500 << 20,
			MaxDurationSeconds: 300,
			CreditsPerJob:      1,
			Features:           features(FeatureWatermarkRemoval, FeatureCrop),
		}, nil
	case TierPro:
		return Plan{
			Tier:               TierPro,
			DailyJobLimit:      100,
			MonthlyJobLimit:    1500,
			ConcurrentJobLimit: 20,
			MaxFileSizeBytes:   2 << 30,
			MaxDurationSeconds: 1200,
			CreditsPerJob:      1,
			Features:           features(FeatureWatermarkRemoval, FeatureCrop, FeatureBatch),
		}, nil
	case TierEnterprise:
		return Plan{
			Tier:               TierEnterprise,
			DailyJobLimit:      Unlimited,
			MonthlyJobLimit:    Unlimited,
			ConcurrentJobLimit: 50,
			MaxFileSizeBytes:   10 << 30,
			MaxDurationSeconds: 7200,
			CreditsPerJob:      1,
			Features:           features(FeatureWatermarkRemoval, FeatureCrop, FeatureBatch, FeaturePriorityQueue),
		}, nil
	default:
		return Plan{}, ErrUnknownTier
	}
}
