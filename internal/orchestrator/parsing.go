package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// extractJSONObject finds the outermost JSON object in model output, which
// often wraps it in prose or code fences.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// parseJSONMap parses a model-produced JSON object, repairing almost-JSON
// (trailing commas, single quotes) before giving up.
func parseJSONMap(text string) (map[string]any, bool) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, true
	}

	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(fixed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// parseDelegation interprets a manager's output as worker→sub-task
// assignments. JSON-shaped output is preferred; otherwise the text is split
// heuristically on worker-name headers. Workers without an assignment get
// the fallback task.
func parseDelegation(output string, workers []AgentDef, fallbackTask string) map[string]string {
	assignments := make(map[string]string, len(workers))

	if obj, ok := parseJSONMap(output); ok {
		for _, w := range workers {
			if v, ok := obj[w.Name]; ok {
				if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
					assignments[w.Name] = s
				}
			}
		}
	}

	if len(assignments) == 0 {
		headerSplit(output, workers, assignments)
	}

	for _, w := range workers {
		if _, ok := assignments[w.Name]; !ok {
			assignments[w.Name] = fallbackTask
		}
	}
	return assignments
}

// headerSplit assigns each worker the text between its name header and the
// next worker's header.
func headerSplit(output string, workers []AgentDef, assignments map[string]string) {
	type marker struct {
		name  string
		start int
		end   int
	}
	markers := make([]marker, 0, len(workers))
	for _, w := range workers {
		idx := strings.Index(output, w.Name)
		if idx < 0 {
			continue
		}
		markers = append(markers, marker{name: w.Name, start: idx, end: idx + len(w.Name)})
	}
	if len(markers) == 0 {
		return
	}
	for i := 0; i < len(markers); i++ {
		for j := i + 1; j < len(markers); j++ {
			if markers[j].start < markers[i].start {
				markers[i], markers[j] = markers[j], markers[i]
			}
		}
	}
	for i, m := range markers {
		limit := len(output)
		if i+1 < len(markers) {
			limit = markers[i+1].start
		}
		task := strings.Trim(strings.TrimSpace(output[m.end:limit]), ":-. \n")
		if task != "" {
			assignments[m.name] = task
		}
	}
}

// routeDecision is the parsed output of a router agent.
type routeDecision struct {
	Specialist string
	Reason     string
}

// parseRouteDecision extracts the chosen specialist from router output.
// JSON keys "specialist"/"target"/"agent" are tried first, then a substring
// scan for specialist names. Returns false when no specialist matched.
func parseRouteDecision(output string, specialists []AgentDef) (routeDecision, bool) {
	if obj, ok := parseJSONMap(output); ok {
		for _, key := range []string{"specialist", "target", "agent"} {
			if v, ok := obj[key]; ok {
				if name, ok := v.(string); ok {
					if s := matchSpecialist(name, specialists); s != "" {
						reason, _ := obj["reason"].(string)
						return routeDecision{Specialist: s, Reason: reason}, true
					}
				}
			}
		}
	}

	for _, s := range specialists {
		if strings.Contains(output, s.Name) {
			return routeDecision{Specialist: s.Name, Reason: "matched by name in router output"}, true
		}
	}
	return routeDecision{}, false
}

func matchSpecialist(name string, specialists []AgentDef) string {
	trimmed := strings.TrimSpace(name)
	for _, s := range specialists {
		if strings.EqualFold(s.Name, trimmed) {
			return s.Name
		}
	}
	return ""
}
