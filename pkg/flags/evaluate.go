package flags

import "github.com/teacurran/village-homepage/pkg/clock"

// Evaluate decides a flag for a subject. Pure: given the same flag state
// and subject key it always returns the same decision.
//
// Precedence: master kill switch, then whitelist, then cohort bucket.
// The bucket is BucketHash(flagKey, subjectKey) in [0, 99]; the subject is
// in the cohort when the bucket is below the rollout percentage.
func Evaluate(f *Flag, subjectKey string) Decision {
	if !f.Enabled {
		return Decision{Enabled: false, Reason: ReasonMasterDisabled, RolloutSnapshot: f.RolloutPercentage}
	}
	if f.inWhitelist(subjectKey) {
		return Decision{Enabled: true, Reason: ReasonWhitelisted, RolloutSnapshot: f.RolloutPercentage}
	}

	rollout := clampRollout(f.RolloutPercentage)
	if clock.BucketHash(f.Key, subjectKey) < rollout {
		return Decision{Enabled: true, Reason: ReasonCohortEnabled, RolloutSnapshot: rollout}
	}
	return Decision{Enabled: false, Reason: ReasonCohortDisabled, RolloutSnapshot: rollout}
}

// clampRollout forces the percentage into [0, 100].
func clampRollout(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
