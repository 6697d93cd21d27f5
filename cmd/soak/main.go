// Command soak runs and analyzes the market-maker soak loop: drive N
// iterations of the strategy under auto-tuning and guards, then
// analyze the resulting ITER_SUMMARY trail against the release gates.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marketmaker/soaktest/internal/analyzer"
	"github.com/marketmaker/soaktest/internal/autotune"
	"github.com/marketmaker/soaktest/internal/clock"
	"github.com/marketmaker/soaktest/internal/config"
	"github.com/marketmaker/soaktest/internal/exporter"
	"github.com/marketmaker/soaktest/internal/gates"
	"github.com/marketmaker/soaktest/internal/guards"
	"github.com/marketmaker/soaktest/internal/ops"
	"github.com/marketmaker/soaktest/internal/orchestrator"
	"github.com/marketmaker/soaktest/internal/overrides"
	"github.com/marketmaker/soaktest/internal/registry"
	"github.com/marketmaker/soaktest/internal/verify/deltaverify"
)

const appName = "soak"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Market-maker soak-test orchestrator, analyzer and delta verifier",
	}
	// Parameter names are snake_case everywhere else in this codebase;
	// accept them as flag spellings too (--last_n == --last-n).
	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCmd.AddCommand(runCmd(), analyzeCmd(), verifyDeltasCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a soak session of N iterations",
		RunE:  runSoak,
	}
	cmd.Flags().Int("iterations", 8, "Number of iterations to run")
	cmd.Flags().String("profile", "", "Optional profile file overriding defaults")
	cmd.Flags().String("out", "out/soak", "Output directory for ITER_SUMMARY_*.json and TUNING_REPORT.json")
	cmd.Flags().String("overrides", "out/soak/runtime_overrides.json", "Path to the runtime overrides document")
	cmd.Flags().Bool("auto-tune", true, "Enable the auto-tuner's delta proposals")
	cmd.Flags().Bool("mock", false, "Use the deterministic mock strategy instead of a live adapter")
	cmd.Flags().Int64("seed", 1, "Seed for the mock strategy")
	cmd.Flags().String("print", "auto", "Per-iteration progress output: auto, plain or json")
	return cmd
}

func runSoak(cmd *cobra.Command, args []string) error {
	iterations, _ := cmd.Flags().GetInt("iterations")
	profilePath, _ := cmd.Flags().GetString("profile")
	outDir, _ := cmd.Flags().GetString("out")
	overridesPath, _ := cmd.Flags().GetString("overrides")
	useMock, _ := cmd.Flags().GetBool("mock")
	seed, _ := cmd.Flags().GetInt64("seed")
	printMode, _ := cmd.Flags().GetString("print")
	autoTune, _ := cmd.Flags().GetBool("auto-tune")

	sleepSeconds := 300
	if v := os.Getenv("SOAK_SLEEP_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			sleepSeconds = parsed
		} else {
			log.Warn().Str("SOAK_SLEEP_SECONDS", v).Msg("soak run: ignoring non-integer sleep seconds")
		}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("soak run: create out dir: %w", err)
	}

	reg := registry.Default()

	var strategy orchestrator.Strategy
	if useMock {
		strategy = orchestrator.NewMockStrategy(seed)
	} else {
		return fmt.Errorf("soak run: no live strategy adapter configured, pass --mock")
	}

	profileName := "default"
	var profile *config.Profile
	if profilePath != "" {
		var err error
		profile, err = config.LoadProfile(profilePath)
		if err != nil {
			return fmt.Errorf("soak run: load profile: %w", err)
		}
		profileName = profile.Name
	}

	o := &orchestrator.Orchestrator{
		RunID:           uuid.NewString(),
		Clock:           clock.New(),
		Registry:        reg,
		Overrides:       overrides.New(reg),
		Tuner:           autotune.NewTunerWithDefaults(),
		Debounce:        guards.NewDebounce(),
		Freeze:          guards.NewFreezeState(),
		Velocity:        guards.NewVelocityLimiter(2),
		Oscillator:      guards.NewOscillationTracker(),
		Strategy:        strategy,
		Logger:          log.Logger,
		Printer:         orchestrator.NewPrinter(printMode, os.Stdout),
		OutputDir:       outDir,
		OverridesPath:   overridesPath,
		Iterations:      iterations,
		ProfileName:     profileName,
		Profile:         profile,
		SleepSeconds:    sleepSeconds,
		AutoTuneEnabled: autoTune,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return o.Run(ctx)
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a soak run's ITER_SUMMARY trail against the release gates",
		RunE:  runAnalyze,
	}
	cmd.Flags().String("src", "out/soak", "Directory holding ITER_SUMMARY_*.json files")
	cmd.Flags().String("out", "out/soak/analysis", "Output directory for the snapshot and reports")
	cmd.Flags().Int("last-n", 8, "Window size for the analysis")
	cmd.Flags().String("mode", "soak", "Gate mode: soak or shadow")
	cmd.Flags().String("gate-config", "", "Optional YAML file overriding the default gate thresholds")
	cmd.Flags().Bool("strict", false, "Exit nonzero on HOLD as well as BLOCK")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	srcDir, _ := cmd.Flags().GetString("src")
	outDir, _ := cmd.Flags().GetString("out")
	lastN, _ := cmd.Flags().GetInt("last-n")
	modeFlag, _ := cmd.Flags().GetString("mode")
	gateConfigPath, _ := cmd.Flags().GetString("gate-config")
	strict, _ := cmd.Flags().GetBool("strict")

	mode := gates.ModeSoak
	if modeFlag == "shadow" {
		mode = gates.ModeShadow
	}

	var router *gates.Router
	var err error
	if gateConfigPath != "" {
		router, err = gates.NewRouter(gateConfigPath)
	} else {
		router = gates.NewRouterWithDefaults()
	}
	if err != nil {
		return fmt.Errorf("soak analyze: load gate config: %w", err)
	}

	records, err := analyzer.LoadIterRecords(srcDir)
	if err != nil {
		return fmt.Errorf("soak analyze: load iter records: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("soak analyze: no ITER_SUMMARY files found under %s", srcDir)
	}

	signatureStuck, fullApplyRatio, err := deltaHealthForWindow(srcDir, records, lastN)
	if err != nil {
		return fmt.Errorf("soak analyze: delta health: %w", err)
	}

	snap := analyzer.Analyze(records, lastN, router, mode, signatureStuck, fullApplyRatio)
	if err := analyzer.WriteArtifacts(outDir, "soak-run", records, snap, router, mode); err != nil {
		return fmt.Errorf("soak analyze: write artifacts: %w", err)
	}

	if err := writeMetricsSnapshot(outDir, snap); err != nil {
		return fmt.Errorf("soak analyze: write metrics snapshot: %w", err)
	}

	if err := ops.WriteSnapshotCSV(outDir, "POST_SOAK_SNAPSHOT.csv", snap.Stats); err != nil {
		return fmt.Errorf("soak analyze: write snapshot csv: %w", err)
	}

	log.Info().Str("verdict", snap.Verdict).Bool("freeze_ready", snap.FreezeReady).Msg("soak analyze complete")

	if snap.Verdict == "BLOCK" || (strict && snap.Verdict == "HOLD") {
		os.Exit(1)
	}
	return nil
}

// deltaHealthForWindow reconstructs the same last-N window analyzer.Analyze
// will use and runs the delta verifier over exactly those iterations, so
// freeze_ready (verdict READY, signature not stuck, full_apply_ratio at
// least 0.95) is gated on the run's actual delta-application health
// rather than a hardcoded healthy pair.
func deltaHealthForWindow(srcDir string, records []analyzer.IterRecord, lastN int) (bool, float64, error) {
	windowed := analyzer.Window(records, lastN)
	if len(windowed) == 0 {
		return false, 1.0, nil
	}
	inWindow := make(map[int]bool, len(windowed))
	for _, r := range windowed {
		inWindow[r.Iteration] = true
	}

	allInputs, err := deltaverify.LoadIterationInputs(srcDir)
	if err != nil {
		return false, 0, err
	}
	var inputs []deltaverify.IterationInput
	for _, in := range allInputs {
		if inWindow[in.Iteration] {
			inputs = append(inputs, in)
		}
	}

	verifyRecords, ratio := deltaverify.Verify(nil, inputs)
	stuck := false
	for _, rec := range verifyRecords {
		if rec.SignatureStuck {
			stuck = true
			break
		}
	}
	return stuck, ratio, nil
}

// writeMetricsSnapshot renders snap's windowed stats through the same
// Prometheus registry the live exporter uses and writes them to
// POST_SOAK_METRICS.prom alongside the other analysis artifacts, so a
// release bundle carries a point-in-time text-exposition snapshot even
// when no exporter was scraping this run.
func writeMetricsSnapshot(outDir string, snap analyzer.Snapshot) error {
	reg := exporter.NewRegistry()
	reg.Observe(exporter.Labels{Env: "soak", Exchange: "soak", Window: "last_n"}, exporter.Sample{
		MakerTakerRatio: snap.Stats["maker_taker_ratio"].Mean,
		NetBps:          snap.Stats["net_bps"].Mean,
		RiskRatio:       snap.Stats["risk_ratio"].Mean,
		P95LatencyMs:    snap.Stats["p95_latency_ms"].Mean,
		WsLagP95Ms:      snap.Stats["ws_lag_p95_ms"].Mean,
	})
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	return reg.WriteTextFile(outDir + "/POST_SOAK_METRICS.prom")
}

func verifyDeltasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-deltas",
		Short: "Verify how faithfully proposed deltas were applied across a run",
		RunE:  runVerifyDeltas,
	}
	cmd.Flags().String("path", "out/soak", "Directory holding ITER_SUMMARY_*.json files from the run to verify")
	cmd.Flags().Bool("strict", false, "Use the strict (release) gate instead of the default soft (PR) gate")
	cmd.Flags().Bool("json", false, "Also write DELTA_VERIFY.json alongside DELTA_VERIFY_REPORT.md")
	return cmd
}

func runVerifyDeltas(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("path")
	strict, _ := cmd.Flags().GetBool("strict")
	wantJSON, _ := cmd.Flags().GetBool("json")

	iterations, err := deltaverify.LoadIterationInputs(path)
	if err != nil {
		return fmt.Errorf("soak verify-deltas: %w", err)
	}

	gate := deltaverify.GateSoft
	if strict {
		gate = deltaverify.GateStrict
	}
	result := deltaverify.Evaluate(nil, iterations, gate)

	fmt.Println(result.FormatWall())

	if err := os.WriteFile(path+"/DELTA_VERIFY_REPORT.md", []byte(result.WriteReport()), 0644); err != nil {
		return fmt.Errorf("soak verify-deltas: write report: %w", err)
	}

	if wantJSON {
		data, err := result.FormatJSON()
		if err != nil {
			return fmt.Errorf("soak verify-deltas: marshal json: %w", err)
		}
		if err := os.WriteFile(path+"/DELTA_VERIFY.json", data, 0644); err != nil {
			return fmt.Errorf("soak verify-deltas: write json: %w", err)
		}
	}

	if !result.Passed() {
		os.Exit(1)
	}
	return nil
}
