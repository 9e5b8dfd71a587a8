package scriptgen

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/domain"
)

func TestGenerate_IsDeterministic(t *testing.T) {
	scenario := testScenario()

	first, err := Generate(scenario, "run-1")
	require.NoError(t, err)
	second, err := Generate(scenario, "run-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGenerate_EmbedsGlobalTags(t *testing.T) {
	script, err := Generate(testScenario(), "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, `run_history_id: "run-1"`)
	assert.Contains(t, script, `scenario_id: "scenario-1"`)
	assert.Contains(t, script, "vus: 5")
	assert.Contains(t, script, "duration: '60s'")
}

func TestGenerate_TagsEveryStepWithFlowAndStepIds(t *testing.T) {
	script, err := Generate(testScenario(), "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, `{ flow_id: "flow-a", step_id: "step-1" }`)
	assert.Contains(t, script, `{ flow_id: "flow-b", step_id: "step-2" }`)
	assert.Contains(t, script, "errorRate.add(")
	assert.Contains(t, script, "requestDuration.add(")
}

func TestGenerate_ApiStepUsesMethodHeadersAndPayload(t *testing.T) {
	script, err := Generate(testScenario(), "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, `http.post("https://api.example.com/orders"`)
	assert.Contains(t, script, `{"Content-Type":"application/json"}`)
	assert.Contains(t, script, `"{\"sku\":1}"`)
}

func TestGenerate_BrowserStepIsAGetWithoutBody(t *testing.T) {
	script, err := Generate(testScenario(), "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, `http.get("https://www.example.com", { headers: {}`)
	assert.NotContains(t, script, `http.get("https://www.example.com", null`)
}

func TestGenerate_RejectsScenarioWithoutFlows(t *testing.T) {
	_, err := Generate(&domain.Scenario{Id: "empty"}, "run-1")
	assert.Error(t, err)
}

func TestGenerate_RejectsFlowWithoutSteps(t *testing.T) {
	scenario := testScenario()
	scenario.Flows[0].Steps = nil

	_, err := Generate(scenario, "run-1")
	assert.Error(t, err)
}

func TestGenerate_SanitizesNamesIntoIdentifiers(t *testing.T) {
	scenario := testScenario()
	scenario.Flows[0].Name = "  Check Out  Flow!"

	script, err := Generate(scenario, "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, "function flow_check_out_flow_0()")
	assert.NotContains(t, script, "flow_check out")
}

func TestGenerate_CollidingNamesGetDistinctIdentifiers(t *testing.T) {
	scenario := testScenario()
	scenario.Flows[0].Steps = []domain.Step{
		{Id: "step-1", Name: "Pay!", Kind: domain.StepKindAPI, API: &domain.APIStepConfig{Method: "POST", Endpoint: "https://api.example.com/pay"}},
		{Id: "step-2", Name: "Pay?", Kind: domain.StepKindAPI, API: &domain.APIStepConfig{Method: "GET", Endpoint: "https://api.example.com/pay"}},
	}
	scenario.Flows[1].Name = scenario.Flows[0].Name

	script, err := Generate(scenario, "run-1")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(script, "const pay_0Response"))
	assert.Equal(t, 1, strings.Count(script, "const pay_1Response"))
	assert.Contains(t, script, "function flow_place_order_0()")
	assert.Contains(t, script, "function flow_place_order_1()")
}

func TestPickFlow_SelectsByCumulativeWeight(t *testing.T) {
	weights := []float64{1, 3}

	assert.Equal(t, 0, PickFlow(weights, 0.0))
	assert.Equal(t, 0, PickFlow(weights, 0.99))
	assert.Equal(t, 1, PickFlow(weights, 1.0))
	assert.Equal(t, 1, PickFlow(weights, 3.99))
}

func TestPickFlow_FallsBackToFirstFlowOnEdgeCases(t *testing.T) {
	weights := []float64{1, 3}

	// random should be < Σweights, but floating-point arithmetic can land on
	// the boundary.
	assert.Equal(t, 0, PickFlow(weights, 4.0))
}

func TestPickFlow_ConvergesToRelativeWeights(t *testing.T) {
	weights := []float64{1, 3}
	total := 4.0
	iterations := 200000
	counts := make([]int, len(weights))

	r := rand.New(rand.NewSource(1))
	for i := 0; i < iterations; i++ {
		counts[PickFlow(weights, r.Float64()*total)]++
	}

	assert.InDelta(t, 0.25, float64(counts[0])/float64(iterations), 0.01)
	assert.InDelta(t, 0.75, float64(counts[1])/float64(iterations), 0.01)
}

func TestGenerate_SelectorMirrorsPickFlow(t *testing.T) {
	script, err := Generate(testScenario(), "run-1")
	require.NoError(t, err)

	assert.Contains(t, script, "const random = Math.random() * 4;")
	assert.Contains(t, script, "cumulativeWeight += 1;")
	assert.Contains(t, script, "cumulativeWeight += 3;")
	assert.Equal(t, 1, strings.Count(script, "// Fallback to first flow"))
}

func testScenario() *domain.Scenario {
	return &domain.Scenario{
		Id:              "scenario-1",
		UserId:          "user-1",
		Name:            "checkout",
		VirtualUsers:    5,
		DurationSeconds: 60,
		Flows: []domain.Flow{
			{
				Id:     "flow-a",
				Name:   "Place Order",
				Weight: 1,
				Steps: []domain.Step{
					{
						Id:   "step-1",
						Name: "Create Order",
						Kind: domain.StepKindAPI,
						API: &domain.APIStepConfig{
							Method:   "POST",
							Endpoint: "https://api.example.com/orders",
							Headers:  map[string]string{"Content-Type": "application/json"},
							Payload:  `{"sku":1}`,
						},
					},
				},
			},
			{
				Id:     "flow-b",
				Name:   "Browse",
				Weight: 3,
				Steps: []domain.Step{
					{
						Id:      "step-2",
						Name:    "Open Home Page",
						Kind:    domain.StepKindBrowser,
						Browser: &domain.BrowserStepConfig{URL: "https://www.example.com"},
					},
				},
			},
		},
	}
}
