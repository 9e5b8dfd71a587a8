// Package scriptgen turns a scenario definition into an executable k6 script.
// Generation is a pure function of its inputs: identical scenario and run id
// always produce identical script text.
package scriptgen

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/surgeproject/surge/internal/domain"
)

var identifierCleaner = regexp.MustCompile(`[^a-z0-9_]`)

// PickFlow selects a flow index from cumulative weights. random must lie in
// [0, sum of weights). The emitted script mirrors this exact logic so the
// selection behaviour is testable without running k6. Floating-point edge
// cases (random beyond the last cumulative weight) fall back to the first
// flow.
func PickFlow(weights []float64, random float64) int {
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if random < cumulative {
			return i
		}
	}
	return 0
}

// Generate produces the k6 script for one run of the given scenario. The
// script embeds run_history_id and scenario_id as global tags, one function
// per flow tagging each request with flow_id/step_id, and a weighted random
// flow selector.
func Generate(scenario *domain.Scenario, runHistoryId string) (string, error) {
	if len(scenario.Flows) == 0 {
		return "", errors.Errorf("scenario %s has no flows", scenario.Id)
	}
	for _, flow := range scenario.Flows {
		if len(flow.Steps) == 0 {
			return "", errors.Errorf("flow %s of scenario %s has no steps", flow.Id, scenario.Id)
		}
	}

	var b strings.Builder
	b.WriteString("import http from 'k6/http';\n")
	b.WriteString("import exec from 'k6/execution';\n")
	b.WriteString("import { check, sleep } from 'k6';\n")
	b.WriteString("import { Rate, Trend } from 'k6/metrics';\n\n")
	b.WriteString("const errorRate = new Rate('errors');\n")
	b.WriteString("const requestDuration = new Trend('request_duration');\n\n")

	fmt.Fprintf(&b, `export const options = {
  vus: %d,
  duration: '%ds',
  tags: {
    run_history_id: %q,
    scenario_id: %q,
    flow_id: "",
    step_id: "",
  },
  thresholds: {
    'errors': ['rate<0.1'],
    'request_duration': ['p(95)<500'],
  },
};

`, scenario.VirtualUsers, scenario.DurationSeconds, runHistoryId, scenario.Id)

	for i, flow := range scenario.Flows {
		if err := writeFlowFunction(&b, &flow, i); err != nil {
			return "", err
		}
	}

	writeFlowSelector(&b, scenario)

	b.WriteString("export default function() {\n")
	b.WriteString("  const selectedFlow = selectFlow();\n")
	b.WriteString("  selectedFlow();\n")
	b.WriteString("}\n")

	return b.String(), nil
}

func writeFlowFunction(b *strings.Builder, flow *domain.Flow, index int) error {
	fmt.Fprintf(b, "function %s() {\n", flowFunctionName(flow.Name, index))
	for i, step := range flow.Steps {
		request, err := stepRequest(&step)
		if err != nil {
			return err
		}
		// The index suffix keeps identifiers unique when two step names
		// sanitize to the same string.
		stepName := fmt.Sprintf("%s_%d", identifier(step.Name), i)

		fmt.Fprintf(b, "  // %s\n", step.Name)
		fmt.Fprintf(b, "  const %sTags = { flow_id: %q, step_id: %q };\n", stepName, flow.Id, step.Id)
		fmt.Fprintf(b, "  exec.vu.tags.flow_id = %sTags.flow_id;\n", stepName)
		fmt.Fprintf(b, "  exec.vu.tags.step_id = %sTags.step_id;\n", stepName)
		if request.method == "get" {
			// http.get takes no body argument.
			fmt.Fprintf(b, "  const %sResponse = http.get(%q, { headers: %s, tags: %sTags });\n",
				stepName, request.url, request.headers, stepName)
		} else {
			fmt.Fprintf(b, "  const %sResponse = http.%s(%q, %s, { headers: %s, tags: %sTags });\n",
				stepName, request.method, request.url, request.body, request.headers, stepName)
		}
		fmt.Fprintf(b, "  check(%sResponse, { '%s status is 2xx': (r) => r.status >= 200 && r.status < 300 });\n",
			stepName, step.Name)
		fmt.Fprintf(b, "  errorRate.add(%sResponse.status >= 400, %sTags);\n", stepName, stepName)
		fmt.Fprintf(b, "  requestDuration.add(%sResponse.timings.duration, %sTags);\n", stepName, stepName)
		b.WriteString("  delete exec.vu.tags.flow_id;\n")
		b.WriteString("  delete exec.vu.tags.step_id;\n")
		b.WriteString("  sleep(1);\n\n")
	}
	b.WriteString("}\n\n")
	return nil
}

type requestFragment struct {
	method  string
	url     string
	headers string
	body    string
}

// stepRequest resolves the protocol config for a step, with one code path per
// step kind.
func stepRequest(step *domain.Step) (*requestFragment, error) {
	switch step.Kind {
	case domain.StepKindBrowser:
		if step.Browser == nil {
			return nil, errors.Errorf("browser step %s has no browser config", step.Id)
		}
		return &requestFragment{
			method:  "get",
			url:     step.Browser.URL,
			headers: "{}",
			body:    "null",
		}, nil
	case domain.StepKindAPI:
		if step.API == nil {
			return nil, errors.Errorf("api step %s has no api config", step.Id)
		}
		headers := "{}"
		if len(step.API.Headers) > 0 {
			// json.Marshal sorts map keys, keeping output deterministic.
			encoded, err := json.Marshal(step.API.Headers)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			headers = string(encoded)
		}
		body := "null"
		if step.API.Payload != "" {
			encoded, err := json.Marshal(step.API.Payload)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			body = string(encoded)
		}
		return &requestFragment{
			method:  strings.ToLower(step.API.Method),
			url:     step.API.Endpoint,
			headers: headers,
			body:    body,
		}, nil
	default:
		return nil, errors.Errorf("step %s has unknown kind %q", step.Id, step.Kind)
	}
}

// writeFlowSelector emits the cumulative-weight selector over [0, Σweights),
// mirroring PickFlow.
func writeFlowSelector(b *strings.Builder, scenario *domain.Scenario) {
	b.WriteString("function selectFlow() {\n")
	fmt.Fprintf(b, "  const random = Math.random() * %s;\n", formatWeight(scenario.TotalWeight()))
	b.WriteString("  let cumulativeWeight = 0;\n")
	for i, flow := range scenario.Flows {
		fmt.Fprintf(b, "  cumulativeWeight += %s;\n", formatWeight(flow.Weight))
		fmt.Fprintf(b, "  if (random < cumulativeWeight) {\n    return %s;\n  }\n", flowFunctionName(flow.Name, i))
	}
	b.WriteString("  // Fallback to first flow\n")
	fmt.Fprintf(b, "  return %s;\n", flowFunctionName(scenario.Flows[0].Name, 0))
	b.WriteString("}\n\n")
}

func flowFunctionName(name string, index int) string {
	return fmt.Sprintf("flow_%s_%d", identifier(name), index)
}

func identifier(name string) string {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	cleaned = strings.Join(strings.Fields(cleaned), "_")
	return identifierCleaner.ReplaceAllString(cleaned, "")
}

func formatWeight(w float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", w), "0"), ".")
}
