package bundle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/marketmaker/soaktest/internal/analyzer"
)

// CanaryPlan is the outcome of tagging a release: the checklist
// content plus the annotated tag message the caller actually runs
// `git tag -a` with.
type CanaryPlan struct {
	RunID       string
	TagName     string
	TagMessage  string
	ChecklistMD string
}

// PlanCanary builds a CanaryPlan for runName given the analyzed
// snapshot that gated it. freezeReady must already be true by the
// time this is called; PlanCanary itself does not re-check gates.
func PlanCanary(runName string, snap analyzer.Snapshot) CanaryPlan {
	// Reuse the soak run's own id when the snapshot carries one, so the
	// tag message and checklist point back at the exact run that gated
	// this canary; a snapshot from an older trail gets a fresh id.
	runID := snap.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	tagName := fmt.Sprintf("soak/%s", runName)

	tagMessage := fmt.Sprintf(
		"soak release %s\n\nrun-id: %s\nverdict: %s\nfull_apply_ratio: %.2f\nsignature_stuck: %t\n",
		runName, runID, snap.Verdict, snap.FullApplyRatio, snap.SignatureStuck,
	)

	return CanaryPlan{
		RunID:       runID,
		TagName:     tagName,
		TagMessage:  tagMessage,
		ChecklistMD: renderCanaryChecklist(runName, runID, snap),
	}
}

func renderCanaryChecklist(runName, runID string, snap analyzer.Snapshot) string {
	return fmt.Sprintf(`# Canary Checklist — %s

run-id: %s
verdict: %s
freeze_ready: %t

## Before promoting beyond canary

- [ ] Confirm %s's tag was pushed and CI built the release artifact.
- [ ] Deploy to one canary instance only; leave the rest on the prior build.
- [ ] Watch net_bps, maker_taker_ratio, risk_ratio, p95_latency_ms for at least one full iteration window on the canary instance.
- [ ] Compare canary KPIs against POST_SOAK_SNAPSHOT.json's last-window means; any hard-gate miss on canary halts the rollout.
- [ ] If the canary holds for the watch window, proceed with the full rollout; otherwise execute rollback_plan.md.

## Rollback trigger

Any hard gate miss on the canary instance, or a live net_bps regression exceeding the soak run's observed variance, triggers immediate rollback per rollback_plan.md.
`, runName, runID, snap.Verdict, snap.FreezeReady, runName)
}
