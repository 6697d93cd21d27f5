// Command release assembles and tags soak-run release bundles: the
// fixed file set a go/no-go review expects, zipped and hashed, plus
// the canary checklist that gates a full rollout.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketmaker/soaktest/internal/analyzer"
	"github.com/marketmaker/soaktest/internal/bundle"
	"github.com/marketmaker/soaktest/internal/clock"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/verify/deltaverify"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   "release",
		Short: "Assemble and tag soak-run release bundles",
	}
	rootCmd.AddCommand(buildBundleCmd(), tagAndCanaryCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-bundle",
		Short: "Assemble release/<name>/ from a completed analysis",
		RunE:  runBuildBundle,
	}
	cmd.Flags().String("src", "out/soak/analysis", "Directory holding POST_SOAK_SNAPSHOT.json and the analyzer reports")
	cmd.Flags().String("out", "release", "Parent directory the named release is written under")
	cmd.Flags().String("name", "", "Release name, e.g. 2026-07-31-soak-0412 (defaults to --src's base name)")
	cmd.Flags().String("overrides", "out/soak/runtime_overrides.json", "Path to the runtime overrides document bundled alongside the snapshot")
	cmd.Flags().String("delta-verify-report", "", "Optional path to a DELTA_VERIFY_REPORT.json to include verbatim")
	cmd.Flags().Bool("zip", true, "Also produce <name>.zip and MANIFEST.sha256")
	return cmd
}

func runBuildBundle(cmd *cobra.Command, args []string) error {
	analysisDir, _ := cmd.Flags().GetString("src")
	name, _ := cmd.Flags().GetString("name")
	overridesPath, _ := cmd.Flags().GetString("overrides")
	deltaReportPath, _ := cmd.Flags().GetString("delta-verify-report")
	outParent, _ := cmd.Flags().GetString("out")
	wantZip, _ := cmd.Flags().GetBool("zip")

	if name == "" {
		name = filepath.Base(analysisDir)
	}

	snapData, err := os.ReadFile(analysisDir + "/POST_SOAK_SNAPSHOT.json")
	if err != nil {
		return fmt.Errorf("release build-bundle: read snapshot: %w", err)
	}
	var snap analyzer.Snapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		return fmt.Errorf("release build-bundle: parse snapshot: %w", err)
	}

	doc, err := loadOverridesDocument(overridesPath)
	if err != nil {
		return fmt.Errorf("release build-bundle: load overrides: %w", err)
	}

	var deltaResult *deltaverify.Result
	if deltaReportPath != "" {
		data, err := os.ReadFile(deltaReportPath)
		if err != nil {
			return fmt.Errorf("release build-bundle: read delta verify report: %w", err)
		}
		var result deltaverify.Result
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("release build-bundle: parse delta verify report: %w", err)
		}
		deltaResult = &result
	}

	dir := fmt.Sprintf("%s/%s", outParent, name)
	in := bundle.Inputs{
		RunName:       name,
		SrcDir:        analysisDir,
		Snapshot:      snap,
		Overrides:     doc,
		DeltaVerify:   deltaResult,
		UTCISO:        clock.New().Now().Format(time.RFC3339),
		Version:       os.Getenv("MM_VERSION"),
		OverridesPath: "soak_profile.runtime_overrides.json",
	}

	written, err := bundle.Assemble(dir, in)
	if err != nil {
		return fmt.Errorf("release build-bundle: assemble: %w", err)
	}
	log.Info().Str("dir", dir).Int("files", len(written)).Msg("bundle assembled")

	if err := bundle.WriteManifest(dir); err != nil {
		return fmt.Errorf("release build-bundle: write manifest: %w", err)
	}

	if wantZip {
		zipPath := dir + ".zip"
		if err := bundle.Zip(dir, zipPath); err != nil {
			return fmt.Errorf("release build-bundle: zip: %w", err)
		}
		log.Info().Str("zip", zipPath).Msg("bundle zipped")
	}

	return nil
}

func tagAndCanaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag-and-canary",
		Short: "Write CANARY_CHECKLIST.md and print the annotated tag to create",
		RunE:  runTagAndCanary,
	}
	cmd.Flags().String("bundle", "", "Already-assembled release bundle directory, holding POST_SOAK_SNAPSHOT.json (required)")
	cmd.Flags().String("tag", "", "Git tag name to use (defaults to soak/<bundle's base name>)")
	cmd.Flags().Bool("dry-run", false, "Print the plan without writing CANARY_CHECKLIST.md or enforcing freeze_ready")
	cmd.MarkFlagRequired("bundle")
	return cmd
}

func runTagAndCanary(cmd *cobra.Command, args []string) error {
	bundleDir, _ := cmd.Flags().GetString("bundle")
	tagOverride, _ := cmd.Flags().GetString("tag")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	name := filepath.Base(bundleDir)

	snapData, err := os.ReadFile(bundleDir + "/POST_SOAK_SNAPSHOT.json")
	if err != nil {
		return fmt.Errorf("release tag-and-canary: read snapshot: %w", err)
	}
	var snap analyzer.Snapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		return fmt.Errorf("release tag-and-canary: parse snapshot: %w", err)
	}

	if !dryRun && !snap.FreezeReady {
		return fmt.Errorf("release tag-and-canary: refusing to tag, freeze_ready=false (verdict=%s)", snap.Verdict)
	}

	plan := bundle.PlanCanary(name, snap)
	if tagOverride != "" {
		plan.TagName = tagOverride
	}

	if dryRun {
		fmt.Printf("[DRY-RUN] git tag -a %s -m %q\n", plan.TagName, plan.TagMessage)
		log.Info().Str("tag", plan.TagName).Str("run_id", plan.RunID).Bool("dry_run", true).Msg("canary plan ready")
		return nil
	}

	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return fmt.Errorf("release tag-and-canary: create bundle dir: %w", err)
	}
	if err := os.WriteFile(bundleDir+"/CANARY_CHECKLIST.md", []byte(plan.ChecklistMD), 0644); err != nil {
		return fmt.Errorf("release tag-and-canary: write checklist: %w", err)
	}

	fmt.Printf("git tag -a %s -m %q\n", plan.TagName, plan.TagMessage)
	log.Info().Str("tag", plan.TagName).Str("run_id", plan.RunID).Msg("canary plan ready")
	return nil
}

func loadOverridesDocument(path string) (overrides.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return overrides.Document{Values: map[string]float64{}, Source: map[string]overrides.Source{}}, nil
		}
		return overrides.Document{}, err
	}
	var doc overrides.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return overrides.Document{}, err
	}
	return doc, nil
}
