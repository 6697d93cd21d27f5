package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marketmaker/soaktest/internal/analyzer"
	"github.com/marketmaker/soaktest/internal/ops"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/verify/deltaverify"
)

func writeSrcArtifacts(t *testing.T, dir string) {
	t.Helper()
	for _, name := range analyzerMarkdownFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("# "+name+"\n"), 0644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
}

func sampleSnapshot() analyzer.Snapshot {
	return analyzer.Snapshot{
		LastN:   8,
		Verdict: "READY",
		Stats: map[string]ops.Stats{
			"maker_taker_ratio": {Min: 0.88, Max: 0.92, Mean: 0.90, Median: 0.90},
			"net_bps":           {Min: 2.8, Max: 3.4, Mean: 3.1, Median: 3.1},
			"p95_latency_ms":    {Min: 280, Max: 320, Mean: 300, Median: 300},
			"risk_ratio":        {Min: 0.32, Max: 0.38, Mean: 0.35, Median: 0.35},
		},
		FreezeReady:    true,
		FullApplyRatio: 1.0,
	}
}

func TestAssemble_WritesFixedFileSet(t *testing.T) {
	srcDir := t.TempDir()
	writeSrcArtifacts(t, srcDir)

	outDir := filepath.Join(t.TempDir(), "release", "run1")
	in := Inputs{
		RunName:       "run1",
		SrcDir:        srcDir,
		Snapshot:      sampleSnapshot(),
		Overrides:     overrides.Document{Values: map[string]float64{"spread_bps": 4.5}},
		UTCISO:        "2026-07-31T00:00:00Z",
		OverridesPath: "soak_profile.runtime_overrides.json",
	}

	written, err := Assemble(outDir, in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := map[string]bool{
		"POST_SOAK_SNAPSHOT.json":             true,
		"soak_profile.runtime_overrides.json": true,
		"CHANGELOG.md":                        true,
		"rollback_plan.md":                    true,
		"POST_SOAK_AUDIT.md":                  true,
		"RECOMMENDATIONS.md":                  true,
		"FAILURES.md":                         true,
	}
	got := map[string]bool{}
	for _, name := range written {
		got[name] = true
	}
	for name := range want {
		if !got[name] {
			t.Errorf("expected %s in written set, got %v", name, written)
		}
	}
	if got["DELTA_VERIFY_REPORT.json"] {
		t.Error("did not expect DELTA_VERIFY_REPORT.json when DeltaVerify is nil")
	}

	for name := range want {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("expected %s on disk: %v", name, err)
		}
	}
}

func TestAssemble_IncludesDeltaVerifyReportWhenPresent(t *testing.T) {
	srcDir := t.TempDir()
	writeSrcArtifacts(t, srcDir)
	outDir := filepath.Join(t.TempDir(), "release", "run2")

	result := deltaverify.Evaluate(nil, nil, deltaverify.GateSoft)
	in := Inputs{
		RunName:       "run2",
		SrcDir:        srcDir,
		Snapshot:      sampleSnapshot(),
		Overrides:     overrides.Document{},
		DeltaVerify:   &result,
		UTCISO:        "2026-07-31T00:00:00Z",
		OverridesPath: "soak_profile.runtime_overrides.json",
	}

	written, err := Assemble(outDir, in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	found := false
	for _, name := range written {
		if name == "DELTA_VERIFY_REPORT.json" {
			found = true
		}
	}
	if !found {
		t.Error("expected DELTA_VERIFY_REPORT.json when DeltaVerify is set")
	}
}

func TestAssemble_MissingSrcArtifactFails(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "release", "run3")
	in := Inputs{
		RunName:  "run3",
		SrcDir:   t.TempDir(), // empty, no markdown seeded
		Snapshot: sampleSnapshot(),
	}
	if _, err := Assemble(outDir, in); err == nil {
		t.Error("expected error when SrcDir is missing the analyzer markdown files")
	}
}

func TestZipAndManifest_RoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	writeSrcArtifacts(t, srcDir)
	outDir := filepath.Join(t.TempDir(), "release", "run4")

	_, err := Assemble(outDir, Inputs{
		RunName:       "run4",
		SrcDir:        srcDir,
		Snapshot:      sampleSnapshot(),
		Overrides:     overrides.Document{},
		UTCISO:        "2026-07-31T00:00:00Z",
		OverridesPath: "soak_profile.runtime_overrides.json",
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if err := WriteManifest(outDir); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	manifestData, err := os.ReadFile(filepath.Join(outDir, "MANIFEST.sha256"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(manifestData) == 0 {
		t.Fatal("expected non-empty manifest")
	}

	zipPath := filepath.Join(t.TempDir(), "run4.zip")
	if err := Zip(outDir, zipPath); err != nil {
		t.Fatalf("Zip: %v", err)
	}
	info, err := os.Stat(zipPath)
	if err != nil {
		t.Fatalf("stat zip: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty zip file")
	}
}

func TestPlanCanary_ProducesTagAndChecklist(t *testing.T) {
	plan := PlanCanary("run5", sampleSnapshot())
	if plan.TagName != "soak/run5" {
		t.Errorf("expected tag soak/run5, got %s", plan.TagName)
	}
	if plan.RunID == "" {
		t.Error("expected non-empty run id")
	}
	if plan.ChecklistMD == "" {
		t.Error("expected non-empty checklist")
	}
}

func TestPlanCanary_ReusesSnapshotRunID(t *testing.T) {
	snap := sampleSnapshot()
	snap.RunID = "11111111-2222-3333-4444-555555555555"

	plan := PlanCanary("run6", snap)
	if plan.RunID != snap.RunID {
		t.Fatalf("plan run id = %q, want snapshot's %q", plan.RunID, snap.RunID)
	}
}
