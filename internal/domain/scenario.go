package domain

// StepKind distinguishes the protocol a step exercises.
type StepKind string

const (
	StepKindAPI     StepKind = "API"
	StepKindBrowser StepKind = "BROWSER"
)

// APIStepConfig is the protocol config for an API step.
type APIStepConfig struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Payload  string            `json:"payload,omitempty"`
}

// BrowserStepConfig is the protocol config for a browser step.
type BrowserStepConfig struct {
	URL string `json:"url"`
}

// Step is one request within a flow. Exactly one of API or Browser is set,
// matching Kind.
type Step struct {
	Id      string             `json:"id"`
	Name    string             `json:"name"`
	Kind    StepKind           `json:"kind"`
	API     *APIStepConfig     `json:"api,omitempty"`
	Browser *BrowserStepConfig `json:"browser,omitempty"`
}

// Flow is one weighted path through a scenario.
type Flow struct {
	Id     string  `json:"id"`
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Steps  []Step  `json:"steps"`
}

// Scenario is a named load-test definition. Scenarios are read-only inputs to
// the orchestration core; they are never mutated during a run.
type Scenario struct {
	Id              string `json:"id"`
	UserId          string `json:"userId"`
	Name            string `json:"name"`
	VirtualUsers    int    `json:"vus"`
	DurationSeconds int    `json:"duration"`
	Flows           []Flow `json:"flows"`
}

// TotalWeight returns the sum of all flow weights.
func (s *Scenario) TotalWeight() float64 {
	total := 0.0
	for _, flow := range s.Flows {
		total += flow.Weight
	}
	return total
}
