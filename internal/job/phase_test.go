package job

import (
	"context"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhasePending, PhaseRunningTrends, true},
		{PhaseScraping, PhaseFilteringItems, true},
		{PhaseAnalyzingFinal, PhaseFinalAnalysisReady, true},
		{PhaseFinalAnalysisReady, PhaseGeneratingPersonas, true},
		{PhasePersonasReady, PhasePersonaSelected, true},
		{PhasePersonaSelected, PhasePersonaSelected, true},
		{PhasePersonaSelected, PhaseCompleted, true},
		{PhaseScraping, PhaseFailed, true},
		{PhasePersonasReady, PhaseFailed, true},

		{PhaseScraping, PhaseRunningTrends, false},
		{PhaseScraping, PhaseScraping, false},
		{PhaseAnalyzingFinal, PhaseGeneratingPersonas, false},
		{PhasePersonasReady, PhaseCompleted, false},
		{PhaseFailed, PhaseScraping, false},
		{PhaseFailed, PhaseFailed, false},
		{PhaseCompleted, PhaseFailed, false},
		{PhasePending, Phase("bogus"), false},
		{Phase("bogus"), PhaseFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransition_Monotonic(t *testing.T) {
	t.Parallel()
	for _, from := range lifecycle {
		for _, to := range lifecycle {
			if !CanTransition(from.phase, to.phase) {
				continue
			}
			if to.phase == PhaseFailed || (from.phase == PhasePersonaSelected && to.phase == PhasePersonaSelected) {
				continue
			}
			if phaseIndex[to.phase] <= phaseIndex[from.phase] {
				t.Errorf("Transition %s -> %s moves backwards", from.phase, to.phase)
			}
		}
	}
}

func TestPhase_Metadata(t *testing.T) {
	t.Parallel()

	if PhaseFinalAnalysisReady.Publishes() != ArtifactReport {
		t.Errorf("Expected final_analysis_ready to publish the report")
	}
	if PhasePersonasReady.Publishes() != ArtifactPersonas {
		t.Errorf("Expected personas_ready to publish personas")
	}
	if PhaseScraping.Publishes() != "" {
		t.Errorf("Expected scraping to publish nothing")
	}
	if PublicationPhase(ArtifactReport) != PhaseFinalAnalysisReady {
		t.Errorf("Unexpected publication phase for report")
	}
	if !PhasePersonaSelected.ActorDriven() || PhaseScraping.ActorDriven() {
		t.Errorf("Unexpected actor-driven flags")
	}
	if !PhaseCompleted.Terminal() || !PhaseFailed.Terminal() || PhasePersonasReady.Terminal() {
		t.Errorf("Unexpected terminal flags")
	}
	if len(StagePhases()) != 12 {
		t.Errorf("Expected 12 stage phases, got %d", len(StagePhases()))
	}
}

func TestPhase_Reached(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase, target Phase
		want          bool
	}{
		{PhasePersonasReady, PhaseFinalAnalysisReady, true},
		{PhaseCompleted, PhasePersonasReady, true},
		{PhaseScraping, PhaseFinalAnalysisReady, false},
		{PhaseFailed, PhasePending, false},
		{PhaseFailed, PhaseFailed, true},
	}
	for _, tt := range tests {
		if got := tt.phase.Reached(tt.target); got != tt.want {
			t.Errorf("%s.Reached(%s) = %v, want %v", tt.phase, tt.target, got, tt.want)
		}
	}
}

func TestValidateLifecycle_RejectsBrokenTables(t *testing.T) {
	t.Parallel()
	failed := phaseDef{phase: PhaseFailed, terminal: true}
	tests := []struct {
		name string
		defs []phaseDef
	}{
		{"duplicate", []phaseDef{{phase: PhasePending}, {phase: PhasePending}, failed}},
		{"publication without source", []phaseDef{
			{phase: PhasePending},
			{phase: PhaseFinalAnalysisReady, driver: drivenByExecutor, publishes: ArtifactReport, source: PhaseAnalyzingFinal},
			failed,
		}},
		{"published twice", []phaseDef{
			{phase: PhasePending},
			{phase: PhaseAnalyzingFinal, driver: drivenByExecutor, stage: true},
			{phase: PhaseFinalAnalysisReady, driver: drivenByExecutor, publishes: ArtifactReport, source: PhaseAnalyzingFinal},
			{phase: PhasePersonasReady, driver: drivenByExecutor, publishes: ArtifactReport, source: PhaseAnalyzingFinal},
			failed,
		}},
		{"actor publishes", []phaseDef{
			{phase: PhasePending},
			{phase: PhaseAnalyzingFinal, driver: drivenByExecutor, stage: true},
			{phase: PhasePersonaSelected, driver: drivenByActor, publishes: ArtifactReport, source: PhaseAnalyzingFinal},
			failed,
		}},
		{"failed not last", []phaseDef{{phase: PhasePending}, failed, {phase: PhaseCompleted}}},
	}

	for _, tt := range tests {
		if err := validateLifecycle(tt.defs); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
	if err := validateLifecycle(lifecycle); err != nil {
		t.Errorf("Expected built-in lifecycle to validate, got %v", err)
	}
}

func TestStages_Validate(t *testing.T) {
	t.Parallel()
	stages := Stages{PhaseRunningTrends: func(context.Context, StageInput) (StageOutput, error) { return StageOutput{}, nil }}
	if err := stages.Validate(); err == nil {
		t.Error("Expected missing stage functions to be reported")
	}
}
