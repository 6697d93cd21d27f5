// Package bundle assembles the release/<name>/ directory a soak run
// hands off for go/no-go review: the post-soak reports, the
// overrides that produced them, and the auto-generated changelog and
// rollback plan, plus the tools to package and checklist a release.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marketmaker/soaktest/internal/analyzer"
	"github.com/marketmaker/soaktest/internal/atomicio"
	"github.com/marketmaker/soaktest/internal/jsonenc"
	"github.com/marketmaker/soaktest/internal/ops"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/verify/deltaverify"
)

// Inputs is everything Assemble needs to produce one bundle.
type Inputs struct {
	RunName       string
	SrcDir        string // directory holding POST_SOAK_AUDIT.md / RECOMMENDATIONS.md / FAILURES.md, already written by analyzer.WriteArtifacts
	Snapshot      analyzer.Snapshot
	Overrides     overrides.Document
	DeltaVerify   *deltaverify.Result // nil if not run
	UTCISO        string
	Version       string // from MM_VERSION; empty renders as "dev"
	OverridesPath string // display name only, e.g. "runtime_overrides.json"
}

// analyzerMarkdownFiles are copied verbatim from SrcDir into the
// bundle; they're already rendered by analyzer.WriteArtifacts and the
// bundler doesn't need the gate router to reproduce them.
var analyzerMarkdownFiles = []string{"POST_SOAK_AUDIT.md", "RECOMMENDATIONS.md", "FAILURES.md"}

// Assemble writes every fixed bundle file into dir, which must not
// yet exist or must be empty; returns the list of relative paths
// written, in the order written. WriteManifest does not take this
// list; it hashes whatever files dir holds.
func Assemble(dir string, in Inputs) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bundle: create dir: %w", err)
	}

	var written []string

	write := func(name string, data []byte) error {
		if err := atomicio.WriteFile(filepath.Join(dir, name), data); err != nil {
			return fmt.Errorf("bundle: write %s: %w", name, err)
		}
		written = append(written, name)
		return nil
	}

	snapData, err := jsonenc.Marshal(in.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("bundle: marshal snapshot: %w", err)
	}
	if err := write("POST_SOAK_SNAPSHOT.json", snapData); err != nil {
		return nil, err
	}

	if err := write("soak_profile.runtime_overrides.json", mustMarshalOverrides(in.Overrides)); err != nil {
		return nil, err
	}

	if in.DeltaVerify != nil {
		dvData, err := jsonenc.Marshal(in.DeltaVerify)
		if err != nil {
			return nil, fmt.Errorf("bundle: marshal delta verify: %w", err)
		}
		if err := write("DELTA_VERIFY_REPORT.json", dvData); err != nil {
			return nil, err
		}
	}

	version := in.Version
	if version == "" {
		version = "dev"
	}
	changelog := ops.RenderChangelog(in.RunName, in.UTCISO, version, changelogEntries(in.Snapshot))
	if err := write("CHANGELOG.md", []byte(changelog)); err != nil {
		return nil, err
	}

	rollback := ops.RenderRollbackPlan(in.RunName, in.OverridesPath)
	if err := write("rollback_plan.md", []byte(rollback)); err != nil {
		return nil, err
	}

	for _, name := range analyzerMarkdownFiles {
		data, err := os.ReadFile(filepath.Join(in.SrcDir, name))
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s from %s: %w", name, in.SrcDir, err)
		}
		if err := write(name, data); err != nil {
			return nil, err
		}
	}

	return written, nil
}

func mustMarshalOverrides(doc overrides.Document) []byte {
	data, err := jsonenc.Marshal(doc)
	if err != nil {
		return []byte("{}\n")
	}
	return data
}

func changelogEntries(snap analyzer.Snapshot) []ops.ChangelogEntry {
	names := []string{"maker_taker_ratio", "net_bps", "p95_latency_ms", "risk_ratio"}
	entries := make([]ops.ChangelogEntry, 0, len(names))
	for _, name := range names {
		s := snap.Stats[name]
		entries = append(entries, ops.ChangelogEntry{KPI: name, Mean: s.Mean, Median: s.Median})
	}
	return entries
}
