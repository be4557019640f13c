package tracebus

import "github.com/Carrerajorge/Hola-sub007/internal/domain"

// stepPhases maps execution step kinds onto trace phases. Kinds missing
// from the table belong to enrichment.
var stepPhases = map[domain.StepKind]domain.Phase{
	domain.StepKindPlan:     domain.PhasePlanning,
	domain.StepKindResearch: domain.PhaseSignals,
	domain.StepKindValidate: domain.PhaseVerification,
	domain.StepKindGenerate: domain.PhaseExport,
	domain.StepKindDeliver:  domain.PhaseFinalization,
}

// PhaseForStepKind returns the trace phase of a step kind.
func PhaseForStepKind(kind domain.StepKind) domain.Phase {
	if p, ok := stepPhases[kind]; ok {
		return p
	}
	return domain.PhaseEnrichment
}
