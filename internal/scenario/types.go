package scenario

// CaseEnvelope is the synthetic mail a case feeds the pipeline.
type CaseEnvelope struct {
	MsgType string `yaml:"msg_type,omitempty"`
	From    string `yaml:"from"`
	To      string `yaml:"to,omitempty"`
	Body    string `yaml:"body"`
	Session string `yaml:"session,omitempty"`
}

// Expect lists the assertions for one case. Empty fields are not checked.
type Expect struct {
	Action         string `yaml:"action,omitempty"`
	EvalType       string `yaml:"eval_type,omitempty"`
	ReasonContains string `yaml:"reason_contains,omitempty"`
}

// Case is one test case within a scenario.
type Case struct {
	Name     string       `yaml:"name,omitempty"`
	Pipeline string       `yaml:"pipeline,omitempty"`
	Envelope CaseEnvelope `yaml:"envelope"`
	Expect   Expect       `yaml:"expect"`
}

// Scenario is a named collection of classification test cases.
type Scenario struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Name     string `json:"name,omitempty"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Reason   string `json:"reason,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file,omitempty"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
