// Package progress turns pipeline counters into a single percentage.
package progress

import (
	"math"
	"sync"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
)

// exportStages is the number of export stages; the export ratio is
// stage/exportStages.
const exportStages = 4

// DefaultDelta is the rise in percentage points that triggers a checkpoint.
const DefaultDelta = 5.0

// Floors are the minimum percentages guaranteed by each phase.
var Floors = map[domain.Phase]float64{
	domain.PhasePlanning:     0,
	domain.PhaseSignals:      5,
	domain.PhaseEnrichment:   15,
	domain.PhaseVerification: 30,
	domain.PhaseExport:       70,
	domain.PhaseFinalization: 90,
	domain.PhaseCompleted:    100,
}

// Weights scale the sub-ratios of the raw progress term.
type Weights struct {
	Collection   float64 `yaml:"collection" json:"collection"`
	Verification float64 `yaml:"verification" json:"verification"`
	Export       float64 `yaml:"export" json:"export"`
}

// DefaultWeights returns {collection: 0.4, verification: 0.4, export: 0.2}.
func DefaultWeights() Weights {
	return Weights{Collection: 0.4, Verification: 0.4, Export: 0.2}
}

func (w Weights) zero() bool {
	return w.Collection == 0 && w.Verification == 0 && w.Export == 0
}

// Checkpointer receives checkpoints. *tracebus.Bus implements it.
type Checkpointer interface {
	ProgressCheckpoint(phase domain.Phase, pct float64, metrics map[string]any) error
}

// Config configures a Model.
type Config struct {
	TargetCount int
	Weights     Weights
	// Delta is the rise since the last checkpoint that emits a new one.
	Delta float64
}

// Model accumulates pipeline counters. It is safe for concurrent use.
type Model struct {
	cfg Config
	cp  Checkpointer

	mu          sync.Mutex
	phase       domain.Phase
	collected   int
	verified    int
	accepted    int
	rejected    int
	exportStage int
	lastEmitted float64
	err         error
}

// New creates a model in the planning phase. cp may be nil.
func New(cfg Config, cp Checkpointer) *Model {
	if cfg.Weights.zero() {
		cfg.Weights = DefaultWeights()
	}
	if cfg.Delta <= 0 {
		cfg.Delta = DefaultDelta
	}
	return &Model{cfg: cfg, cp: cp, phase: domain.PhasePlanning}
}

// SetPhase moves the model to phase.
func (m *Model) SetPhase(phase domain.Phase) {
	m.update(func() { m.phase = phase })
}

// AddCollected records n collected candidates.
func (m *Model) AddCollected(n int) {
	m.update(func() { m.collected += n })
}

// AddVerified records n verified candidates.
func (m *Model) AddVerified(n int) {
	m.update(func() { m.verified += n })
}

// AddAccepted records n candidates that passed filtering.
func (m *Model) AddAccepted(n int) {
	m.update(func() { m.accepted += n })
}

// AddRejected records n candidates that were filtered out.
func (m *Model) AddRejected(n int) {
	m.update(func() { m.rejected += n })
}

// SetExportStage records the export stage, clamped to [0, 4].
func (m *Model) SetExportStage(stage int) {
	m.update(func() { m.exportStage = min(max(stage, 0), exportStages) })
}

// Complete moves the model to the completed phase.
func (m *Model) Complete() {
	m.SetPhase(domain.PhaseCompleted)
}

// Progress returns max(phase floor, weighted raw progress) in [0, 100].
func (m *Model) Progress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

// Phase returns the current phase.
func (m *Model) Phase() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Snapshot returns the counters and the current percentage.
func (m *Model) Snapshot() domain.ProgressState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ProgressState{
		Phase:       m.phase,
		Progress:    m.progressLocked(),
		TargetCount: m.cfg.TargetCount,
		Collected:   m.collected,
		Verified:    m.verified,
		Accepted:    m.accepted,
		Rejected:    m.rejected,
		ExportStage: m.exportStage,
	}
}

// Err returns the last error returned by the checkpointer.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Model) update(fn func()) {
	m.mu.Lock()
	fn()
	pct := m.progressLocked()
	emit := m.cp != nil && pct-m.lastEmitted >= m.cfg.Delta
	if emit {
		m.lastEmitted = pct
	}
	phase := m.phase
	metrics := map[string]any{
		"collected":    m.collected,
		"verified":     m.verified,
		"accepted":     m.accepted,
		"rejected":     m.rejected,
		"export_stage": m.exportStage,
	}
	m.mu.Unlock()

	if !emit {
		return
	}
	if err := m.cp.ProgressCheckpoint(phase, pct, metrics); err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}
}

func (m *Model) progressLocked() float64 {
	floor := Floors[m.phase]
	raw := m.rawLocked()
	return math.Round(max(floor, raw)*100) / 100
}

func (m *Model) rawLocked() float64 {
	w := m.cfg.Weights
	var collection, verification float64
	if m.cfg.TargetCount > 0 {
		collection = ratio(m.collected, m.cfg.TargetCount)
		verification = ratio(m.verified, m.cfg.TargetCount)
	}
	export := ratio(m.exportStage, exportStages)
	raw := (w.Collection*collection + w.Verification*verification + w.Export*export) * 100
	return min(raw, 100)
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return min(float64(n)/float64(d), 1)
}
