package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Printer reports iteration progress to the user. soak run selects an
// implementation the same way the rest of this codebase picks a
// progress renderer: auto-detect a TTY, or force plain/JSON output for
// piped CI logs.
type Printer interface {
	Iteration(summary IterSummary)
	Done(totalIterations int)
}

// NewPrinter selects a Printer by mode: "auto" inspects stdout for a
// terminal, "plain" always renders human-readable lines, "json"
// always renders one JSON object per iteration (for machine
// consumption in CI).
func NewPrinter(mode string, out io.Writer) Printer {
	switch mode {
	case "json":
		return &jsonPrinter{out: out}
	case "plain":
		return &plainPrinter{out: out}
	default:
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return &plainPrinter{out: out, spinner: true}
		}
		return &plainPrinter{out: out}
	}
}

type plainPrinter struct {
	out     io.Writer
	spinner bool
}

func (p *plainPrinter) Iteration(s IterSummary) {
	status := "ok"
	if s.SkipReason != "" {
		status = "skip:" + s.SkipReason
	}
	fmt.Fprintf(p.out, "iter=%d zone=%s risk_ratio=%.3f net_bps=%.2f applied=%d %s\n",
		s.Iteration, s.Zone, s.RiskRatio, s.NetBps, len(s.AppliedDeltas), status)
}

func (p *plainPrinter) Done(total int) {
	fmt.Fprintf(p.out, "soak run complete: %d iterations\n", total)
}

type jsonPrinter struct {
	out io.Writer
}

func (p *jsonPrinter) Iteration(s IterSummary) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	fmt.Fprintln(p.out, string(data))
}

func (p *jsonPrinter) Done(total int) {
	fmt.Fprintf(p.out, `{"event":"done","total_iterations":%d}`+"\n", total)
}
