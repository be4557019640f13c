package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Carrerajorge/Hola-sub007/internal/contract"
	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// SimulatedJob is a local stand-in for the remote pipeline. It walks every
// phase, reports counters in small batches and returns synthetic records.
type SimulatedJob struct {
	// Delay is the pause between signals.
	Delay time.Duration
	// Batch is the number of candidates reported per search signal.
	Batch int
}

// NewSimulatedJob creates a simulated job pausing delay between signals.
func NewSimulatedJob(delay time.Duration) *SimulatedJob {
	return &SimulatedJob{Delay: delay, Batch: 10}
}

var _ Job = (*SimulatedJob)(nil)

// Run implements Job.
func (j *SimulatedJob) Run(ctx context.Context, req RunRequest, signals chan<- Signal) (*Result, error) {
	target := req.TargetCount
	if target <= 0 {
		target = 20
	}
	batch := max(j.Batch, 1)
	year := req.YearStart
	if year <= 0 {
		year = 2020
	}

	send := func(s Signal) error {
		if err := Send(ctx, signals, s); err != nil {
			return err
		}
		if j.Delay > 0 {
			select {
			case <-time.After(j.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	steps := []Signal{
		{Kind: SignalStepStarted, ID: "plan", StepKind: "plan", Name: "Plan search"},
		{Kind: SignalThought, Message: fmt.Sprintf("searching for %d articles on %q", target, req.Prompt)},
		{Kind: SignalStepCompleted, ID: "plan", Message: "plan ready"},
		{Kind: SignalStepStarted, ID: "search", StepKind: "research", Name: "Search sources"},
		{Kind: SignalToolStarted, ID: "search-1", Name: "catalog.search", StepID: "search", Data: map[string]any{"query": req.Prompt}},
	}
	for _, s := range steps {
		if err := send(s); err != nil {
			return nil, err
		}
	}

	for collected := 0; collected < target; collected += batch {
		n := min(batch, target-collected)
		if err := send(Signal{Kind: SignalSearch, Count: n, Source: "catalog"}); err != nil {
			return nil, err
		}
		pct := float64(collected+n) / float64(target) * 100
		if err := send(Signal{Kind: SignalToolProgress, ID: "search-1", Percent: pct, Message: fmt.Sprintf("%d candidates", collected+n)}); err != nil {
			return nil, err
		}
	}

	tail := []Signal{
		{Kind: SignalToolCompleted, ID: "search-1", Data: map[string]any{"count": target}},
		{Kind: SignalStepCompleted, ID: "search", Message: "search done"},
		{Kind: SignalStepStarted, ID: "verify", StepKind: "validate", Name: "Verify metadata"},
		{Kind: SignalVerify, Count: target, Source: "doi"},
		{Kind: SignalFilter, Accepted: target},
		{Kind: SignalStepCompleted, ID: "verify", Message: "verification done"},
		{Kind: SignalStepStarted, ID: "export", StepKind: "generate", Name: "Export bibliography"},
		{Kind: SignalArtifactDeclared, ID: "bib", Name: "references.bib", ArtifactKind: "bibtex", MimeType: "application/x-bibtex"},
	}
	for _, s := range tail {
		if err := send(s); err != nil {
			return nil, err
		}
	}
	for stage := 1; stage <= 4; stage++ {
		if err := send(Signal{Kind: SignalExport, Stage: stage}); err != nil {
			return nil, err
		}
	}

	records := make([]contract.Record, target)
	for i := range records {
		records[i] = contract.Record{
			"authors": []string{fmt.Sprintf("Author %d", i+1)},
			"title":   fmt.Sprintf("%s, part %d", req.Prompt, i+1),
			"year":    year,
			"doi":     fmt.Sprintf("10.5555/sim.%d", i+1),
			"url":     fmt.Sprintf("https://doi.org/10.5555/sim.%d", i+1),
		}
	}

	done := []Signal{
		{Kind: SignalArtifactReady, ID: "bib", URL: "/artifacts/" + req.RunID + "/references.bib", Size: int64(target * 256)},
		{Kind: SignalStepCompleted, ID: "export", Message: "export done"},
		{Kind: SignalPhase, Phase: domain.PhaseFinalization, Message: "finalizing"},
	}
	for _, s := range done {
		if err := send(s); err != nil {
			return nil, err
		}
	}
	return &Result{Records: records, Summary: fmt.Sprintf("%d articles", target)}, nil
}
