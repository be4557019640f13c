package progress

import (
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

type checkpoint struct {
	phase domain.Phase
	pct   float64
}

type recorder struct {
	mu   sync.Mutex
	got  []checkpoint
	fail error
}

func (r *recorder) ProgressCheckpoint(phase domain.Phase, pct float64, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, checkpoint{phase, pct})
	return r.fail
}

func TestVerificationFloorWins(t *testing.T) {
	m := New(Config{TargetCount: 50, Weights: Weights{Collection: 0.4, Verification: 0.4, Export: 0.2}}, nil)
	m.SetPhase(domain.PhaseVerification)
	m.AddVerified(25)

	assert.InDelta(t, 20, m.rawLocked(), 0.001)
	assert.Equal(t, 30.0, m.Progress())
}

func TestRawTermAboveFloor(t *testing.T) {
	m := New(Config{TargetCount: 10}, nil)
	m.SetPhase(domain.PhaseSignals)
	m.AddCollected(10)
	m.AddVerified(5)
	m.SetExportStage(2)

	// 0.4*1 + 0.4*0.5 + 0.2*0.5
	assert.Equal(t, 70.0, m.Progress())
}

func TestRatiosAreCapped(t *testing.T) {
	m := New(Config{TargetCount: 5}, nil)
	m.AddCollected(50)
	m.AddVerified(50)
	m.SetExportStage(9)
	assert.Equal(t, 100.0, m.Progress())
	assert.Equal(t, 4, m.Snapshot().ExportStage)
}

func TestZeroTargetUsesFloorAndExport(t *testing.T) {
	m := New(Config{}, nil)
	m.AddCollected(3)
	assert.Equal(t, 0.0, m.Progress())
	m.SetPhase(domain.PhaseExport)
	assert.Equal(t, 70.0, m.Progress())
	m.Complete()
	assert.Equal(t, 100.0, m.Progress())
}

func TestCheckpointsOnDelta(t *testing.T) {
	rec := &recorder{}
	m := New(Config{TargetCount: 100}, rec)

	for i := 0; i < 10; i++ {
		m.AddCollected(1) // +0.4 each
	}
	assert.Empty(t, rec.got)

	for i := 0; i < 3; i++ {
		m.AddCollected(1)
	}
	require.Len(t, rec.got, 1)
	assert.InDelta(t, 5.2, rec.got[0].pct, 0.001)

	m.SetPhase(domain.PhaseVerification)
	require.Len(t, rec.got, 2)
	assert.Equal(t, checkpoint{domain.PhaseVerification, 30}, rec.got[1])

	// no checkpoint without a rise
	m.SetPhase(domain.PhaseVerification)
	assert.Len(t, rec.got, 2)
}

func TestCheckpointErrorIsKept(t *testing.T) {
	rec := &recorder{fail: errors.New("bus closed")}
	m := New(Config{}, rec)
	m.SetPhase(domain.PhaseEnrichment)
	assert.EqualError(t, m.Err(), "bus closed")
}

func TestProgressNeverBelowFloor(t *testing.T) {
	phases := []domain.Phase{
		domain.PhasePlanning, domain.PhaseSignals, domain.PhaseEnrichment,
		domain.PhaseVerification, domain.PhaseExport, domain.PhaseFinalization,
		domain.PhaseCompleted,
	}
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("floor <= progress <= 100", prop.ForAll(
		func(phase, target, collected, verified, stage int) bool {
			m := New(Config{TargetCount: target}, nil)
			m.AddCollected(collected)
			m.AddVerified(verified)
			m.SetExportStage(stage)
			m.SetPhase(phases[phase])
			p := m.Progress()
			return p >= Floors[phases[phase]] && p <= 100
		},
		gen.IntRange(0, len(phases)-1),
		gen.IntRange(0, 200),
		gen.IntRange(0, 300),
		gen.IntRange(0, 300),
		gen.IntRange(-2, 6),
	))

	properties.TestingRun(t)
}
