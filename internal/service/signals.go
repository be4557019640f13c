package service

import (
	"fmt"

	"goa.design/clue/log"

	"github.com/Carrerajorge/Hola-sub007/internal/domain"
	"github.com/Carrerajorge/Hola-sub007/internal/pipeline"
	"github.com/Carrerajorge/Hola-sub007/internal/tracebus"
)

const signalAgent = "pipeline"

// applySignal translates one job signal into progress updates and trace
// events. Signals of finished runs are dropped.
func (s *Service) applySignal(rc *runContext, sig pipeline.Signal) {
	if rc.Status().IsTerminal() {
		return
	}
	rc.touch(s.now())

	e, p := rc.emitter, rc.progress
	var err error
	switch sig.Kind {
	case pipeline.SignalPhase:
		p.SetPhase(sig.Phase)
		err = e.Progress(sig.Phase, p.Progress(), sig.Message, nil)
	case pipeline.SignalProgress:
		err = e.Progress(p.Phase(), p.Progress(), sig.Message, map[string]any{"job_percent": sig.Percent})
	case pipeline.SignalSearch:
		p.AddCollected(sig.Count)
		err = e.SourceFound(fmt.Sprintf("%d candidates from %s", sig.Count, sig.Source),
			map[string]any{"count": sig.Count, "source": sig.Source})
	case pipeline.SignalVerify:
		p.AddVerified(sig.Count)
		err = e.SourceVerified(fmt.Sprintf("%d candidates verified", sig.Count),
			map[string]any{"count": sig.Count, "source": sig.Source})
	case pipeline.SignalFilter:
		p.AddAccepted(sig.Accepted)
		p.AddRejected(sig.Rejected)
		if sig.Rejected > 0 {
			err = e.SourceRejected(fmt.Sprintf("%d candidates rejected", sig.Rejected),
				map[string]any{"accepted": sig.Accepted, "rejected": sig.Rejected})
		}
	case pipeline.SignalExport:
		p.SetExportStage(sig.Stage)
		err = e.Progress(p.Phase(), p.Progress(), fmt.Sprintf("export stage %d", sig.Stage), map[string]any{"export_stage": sig.Stage})
	case pipeline.SignalThought:
		err = e.Thought(signalAgent, sig.Message)
	case pipeline.SignalWarning:
		err = e.EmitWarning(sig.Message, "")
	case pipeline.SignalStepStarted:
		kind := domain.StepKind(sig.StepKind)
		p.SetPhase(tracebus.PhaseForStepKind(kind))
		err = e.EmitStepStarted(sig.ID, kind, sig.Name)
	case pipeline.SignalStepCompleted:
		err = e.EmitStepCompleted(sig.ID, sig.Message)
	case pipeline.SignalStepFailed:
		err = e.EmitStepFailed(sig.ID, sig.Error)
	case pipeline.SignalToolStarted:
		err = e.EmitToolCallStarted(sig.ID, sig.Name, sig.StepID, sig.Data)
	case pipeline.SignalToolProgress:
		err = e.EmitToolCallProgress(sig.ID, sig.Percent, sig.Message)
	case pipeline.SignalToolCompleted:
		err = e.EmitToolCallCompleted(sig.ID, sig.Data)
	case pipeline.SignalToolFailed:
		err = e.EmitToolCallFailed(sig.ID, sig.Error, false)
	case pipeline.SignalArtifactDeclared:
		err = e.EmitArtifactDeclared(sig.ID, sig.Name, sig.ArtifactKind, sig.MimeType)
	case pipeline.SignalArtifactReady:
		err = e.EmitArtifactReady(sig.ID, sig.URL, sig.Size)
	case pipeline.SignalArtifactFailed:
		err = e.EmitArtifactFailed(sig.ID, sig.Error)
	default:
		log.Warn(s.logCtx,
			log.KV{K: "msg", V: "unknown signal"},
			log.KV{K: "run_id", V: rc.id},
			log.KV{K: "kind", V: string(sig.Kind)},
		)
		return
	}
	if err != nil {
		log.Warn(s.logCtx,
			log.KV{K: "msg", V: "failed to apply signal"},
			log.KV{K: "run_id", V: rc.id},
			log.KV{K: "kind", V: string(sig.Kind)},
			log.KV{K: "err", V: err.Error()},
		)
	}
}
