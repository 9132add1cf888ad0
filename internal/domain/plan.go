package domain

// PlanCommand is one step proposed by the planner.
type PlanCommand struct {
	Cmd     string `json:"cmd"`
	Explain string `json:"explain,omitempty"`
}

// Plan is the ordered list of commands for one run. Command order is
// execution order. An empty Commands list means there is nothing to do.
type Plan struct {
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Commands []PlanCommand `json:"commands"`
}

// SafetyDecision classifies one command. HardDeny and NeedsConfirm are independent.
type SafetyDecision struct {
	HardDeny     bool     `json:"hardDeny"`
	NeedsConfirm bool     `json:"needsConfirm"`
	Reasons      []string `json:"reasons"`
}

// StepSafety pairs a plan step with its decision for API responses.
type StepSafety struct {
	Index int    `json:"index"`
	Cmd   string `json:"cmd"`
	SafetyDecision
}

// StepRecord is the immutable log entry for an executed step.
type StepRecord struct {
	Index      int    `json:"index"`
	Cmd        string `json:"cmd"`
	Explain    string `json:"explain,omitempty"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	Truncated  bool   `json:"truncated"`
	Terminated bool   `json:"terminated"`
	AIAnalysis string `json:"aiAnalysis,omitempty"`
}

// Failed reports whether the step ended the run.
func (s StepRecord) Failed() bool { return s.ExitCode != 0 }

// RunRequest is the inbound instruction set for one orchestration run.
type RunRequest struct {
	Instructions string           `json:"instructions"`
	DryRun       bool             `json:"dryRun,omitempty"`
	Model        string           `json:"model,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
	Confirm      bool             `json:"confirm,omitempty"`
	CostUSD      float64          `json:"costUsd,omitempty"`
	Target       TargetDescriptor `json:"-"`
	WorkDir      string           `json:"workDir,omitempty"`
}

// Stage names the part of a run that produced a terminal result.
type Stage string

const (
	StageInput     Stage = "input"
	StageBudget    Stage = "budget"
	StagePlan      Stage = "plan"
	StageSafety    Stage = "safety"
	StageExecution Stage = "execution"
	StageDone      Stage = "done"
)

// RunResult is the non-streaming response of a run. Results holds the steps
// executed so far even when the run stopped early.
type RunResult struct {
	RunID          string       `json:"runId"`
	Runtime        TargetKind   `json:"runtime"`
	Engine         string       `json:"engine"`
	Model          string       `json:"model"`
	Plan           Plan         `json:"plan"`
	Safety         []StepSafety `json:"safety,omitempty"`
	Results        []StepRecord `json:"results"`
	InputTruncated bool         `json:"inputTruncated,omitempty"`
	Truncated      bool         `json:"truncated,omitempty"`
	Stage          Stage        `json:"stage"`
	Error          string       `json:"error,omitempty"`
}
