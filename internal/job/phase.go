package job

import "fmt"

// Phase is a job's position in its fixed stage sequence.
type Phase string

const (
	PhasePending            Phase = "pending"
	PhaseRunningTrends      Phase = "running_trends"
	PhaseGeneratingKeywords Phase = "generating_keywords"
	PhaseFindingSources     Phase = "finding_sources"
	PhaseFilteringSources   Phase = "filtering_sources"
	PhaseScraping           Phase = "scraping"
	PhaseFilteringItems     Phase = "filtering_items"
	PhaseAnalyzingStage1    Phase = "analyzing_stage_1"
	PhaseAnalyzingStage2    Phase = "analyzing_stage_2"
	PhaseAnalyzingStage3    Phase = "analyzing_stage_3"
	PhaseAnalyzingRecap     Phase = "analyzing_recap"
	PhaseAnalyzingFinal     Phase = "analyzing_final"
	PhaseFinalAnalysisReady Phase = "final_analysis_ready"
	PhaseGeneratingPersonas Phase = "generating_personas"
	PhasePersonasReady      Phase = "personas_ready"
	PhasePersonaSelected    Phase = "persona_selected"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// ArtifactKind names a durable output referenced by pointer.
type ArtifactKind string

const (
	ArtifactReport   ArtifactKind = "report"
	ArtifactPersonas ArtifactKind = "personas"
)

type driver int

const (
	drivenByNone driver = iota
	drivenByExecutor
	drivenByActor
)

// phaseDef describes one lifecycle step.
//
// A stage phase runs a stage function. A publication phase persists the
// output of its source stage as an artifact and becomes current only once
// the artifact pointer is durable.
type phaseDef struct {
	phase     Phase
	driver    driver
	stage     bool
	publishes ArtifactKind
	source    Phase
	terminal  bool
}

// lifecycle is the ordered phase table. Rank is the slice index; failed is
// kept last and sits outside the forward order.
var lifecycle = []phaseDef{
	{phase: PhasePending},
	{phase: PhaseRunningTrends, driver: drivenByExecutor, stage: true},
	{phase: PhaseGeneratingKeywords, driver: drivenByExecutor, stage: true},
	{phase: PhaseFindingSources, driver: drivenByExecutor, stage: true},
	{phase: PhaseFilteringSources, driver: drivenByExecutor, stage: true},
	{phase: PhaseScraping, driver: drivenByExecutor, stage: true},
	{phase: PhaseFilteringItems, driver: drivenByExecutor, stage: true},
	{phase: PhaseAnalyzingStage1, driver: drivenByExecutor, stage: true},
	{phase: PhaseAnalyzingStage2, driver: drivenByExecutor, stage: true},
	{phase: PhaseAnalyzingStage3, driver: drivenByExecutor, stage: true},
	{phase: PhaseAnalyzingRecap, driver: drivenByExecutor, stage: true},
	{phase: PhaseAnalyzingFinal, driver: drivenByExecutor, stage: true},
	{phase: PhaseFinalAnalysisReady, driver: drivenByExecutor, publishes: ArtifactReport, source: PhaseAnalyzingFinal},
	{phase: PhaseGeneratingPersonas, driver: drivenByExecutor, stage: true},
	{phase: PhasePersonasReady, driver: drivenByExecutor, publishes: ArtifactPersonas, source: PhaseGeneratingPersonas},
	{phase: PhasePersonaSelected, driver: drivenByActor},
	{phase: PhaseCompleted, driver: drivenByActor, terminal: true},
	{phase: PhaseFailed, terminal: true},
}

var phaseIndex = map[Phase]int{}

func init() {
	if err := validateLifecycle(lifecycle); err != nil {
		panic(err)
	}
	for i, d := range lifecycle {
		phaseIndex[d.phase] = i
	}
}

// validateLifecycle checks the structural rules the executor relies on.
func validateLifecycle(defs []phaseDef) error {
	seen := make(map[Phase]int, len(defs))
	published := make(map[ArtifactKind]bool)
	for i, d := range defs {
		if _, dup := seen[d.phase]; dup {
			return fmt.Errorf("lifecycle: duplicate phase %q", d.phase)
		}
		seen[d.phase] = i

		if d.stage && d.publishes != "" {
			return fmt.Errorf("lifecycle: phase %q cannot both run a stage and publish", d.phase)
		}
		if d.publishes != "" {
			if published[d.publishes] {
				return fmt.Errorf("lifecycle: artifact %q published twice", d.publishes)
			}
			published[d.publishes] = true

			src, ok := seen[d.source]
			if !ok || !defs[src].stage {
				return fmt.Errorf("lifecycle: publication %q needs an earlier stage source, got %q", d.phase, d.source)
			}
		}
		if d.driver == drivenByActor && (d.stage || d.publishes != "") {
			return fmt.Errorf("lifecycle: actor phase %q cannot run stages or publish", d.phase)
		}
	}
	if len(defs) == 0 || defs[0].phase != PhasePending {
		return fmt.Errorf("lifecycle: first phase must be %q", PhasePending)
	}
	if last := defs[len(defs)-1]; last.phase != PhaseFailed || !last.terminal {
		return fmt.Errorf("lifecycle: last phase must be terminal %q", PhaseFailed)
	}
	return nil
}

func (p Phase) def() (phaseDef, bool) {
	i, ok := phaseIndex[p]
	if !ok {
		return phaseDef{}, false
	}
	return lifecycle[i], true
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseIndex[p]
	return ok
}

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	d, _ := p.def()
	return d.terminal
}

// Publishes returns the artifact this phase makes available, or "".
func (p Phase) Publishes() ArtifactKind {
	d, _ := p.def()
	return d.publishes
}

// RunsStage reports whether the executor calls a stage function in p.
func (p Phase) RunsStage() bool {
	d, _ := p.def()
	return d.stage
}

// ActorDriven reports whether p is entered by an explicit user action.
func (p Phase) ActorDriven() bool {
	d, _ := p.def()
	return d.driver == drivenByActor
}

// Reached reports whether p is at or beyond target in the forward order.
// Failed reaches nothing; use the record's artifact pointers to decide
// what a failed job still offers.
func (p Phase) Reached(target Phase) bool {
	if p == PhaseFailed || target == PhaseFailed {
		return p == target
	}
	i, ok := phaseIndex[p]
	j, ok2 := phaseIndex[target]
	return ok && ok2 && i >= j
}

// CanTransition reports whether a job may move from one phase to another.
//
// Forward moves skip no publication point, failed is reachable from every
// non-terminal phase, and persona_selected may be re-entered to pick a
// different persona.
func CanTransition(from, to Phase) bool {
	fromDef, ok := from.def()
	if !ok || !to.Valid() || fromDef.terminal {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	if from == PhasePersonaSelected && to == PhasePersonaSelected {
		return true
	}

	i, j := phaseIndex[from], phaseIndex[to]
	if j <= i {
		return false
	}
	for k := i + 1; k < j; k++ {
		if lifecycle[k].publishes != "" || lifecycle[k].driver == drivenByActor {
			return false
		}
	}
	return true
}

// PublicationPhase returns the phase that publishes kind.
func PublicationPhase(kind ArtifactKind) Phase {
	for _, d := range lifecycle {
		if d.publishes == kind {
			return d.phase
		}
	}
	return ""
}

// pipeline returns the executor-driven steps in order.
func pipeline() []phaseDef {
	var steps []phaseDef
	for _, d := range lifecycle {
		if d.driver == drivenByExecutor {
			steps = append(steps, d)
		}
	}
	return steps
}

// StagePhases lists the phases that need a stage function, in order.
func StagePhases() []Phase {
	var phases []Phase
	for _, d := range lifecycle {
		if d.stage {
			phases = append(phases, d.phase)
		}
	}
	return phases
}
