// Package planparse turns a planning agent's free-text or structured-output
// reply into a story's step list (spec.md §4.7 plan/decompose). It is
// grounded on two teacher pieces: the JSON-extraction-then-schema-validate
// pipeline of internal/engine/structured.go's StructuredValidator, and the
// Kahn's-algorithm-into-waves shape of internal/coordinator/executor.go's
// topoSort, repointed from "PlanStep DAG execution order" onto "StoryStep
// wave assignment".
package planparse

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/storyorchestrator/core/internal/story"
)

// stepDTO is the shape a planning/decomposition agent is asked to produce.
// DependsOn entries reference other DTOs by Name (agents don't know step
// ids yet), resolved to real ids once the response is parsed.
type stepDTO struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Capability  string   `json:"capability"`
	Language    string   `json:"language,omitempty"`
	Wave        int      `json:"wave,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
}

// planSchemaJSON validates a flat plan() response: wave is optional (defaults
// to 1, or is inferred from dependsOn if decompose() is reused for plan()).
const planSchemaJSON = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["name", "capability"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "capability": {"type": "string"},
      "language": {"type": "string"},
      "wave": {"type": "integer", "minimum": 1},
      "dependsOn": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

// taskSchemaJSON additionally requires dependsOn (possibly empty) so
// decompose() can always compute a topological level.
const taskSchemaJSON = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["name", "capability", "dependsOn"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "capability": {"type": "string"},
      "language": {"type": "string"},
      "dependsOn": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

var (
	planSchema = mustCompile("plan.json", planSchemaJSON)
	taskSchema = mustCompile("tasks.json", taskSchemaJSON)
)

func mustCompile(resourceName, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("planparse: invalid embedded schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("planparse: add resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("planparse: compile %s: %v", resourceName, err))
	}
	return schema
}

// ParsePlan implements plan()'s parsing strategy (spec.md §4.7): try the
// structured-output JSON straight off, else extract a JSON array from a
// free-text reply, else fall back to one generic step carrying the raw
// response (spec.md §7 ParseError — "never surfaced"). Wave numbers are
// taken from the DTO when present, defaulted to 1 otherwise.
func ParsePlan(structuredJSON, freeText string) []story.StoryStep {
	dtos, ok := tryParse(structuredJSON, planSchema)
	if !ok {
		dtos, ok = tryParse(extractJSONArray(freeText), planSchema)
	}
	if !ok || len(dtos) == 0 {
		return genericFallbackSteps(freeText)
	}

	steps := make([]story.StoryStep, 0, len(dtos))
	for i, d := range dtos {
		wave := d.Wave
		if wave < 1 {
			wave = 1
		}
		steps = append(steps, dtoToStep(d, i+1, wave))
	}
	return steps
}

// ParseTasks implements decompose()'s parsing strategy: a DTO list carrying
// explicit dependsOn, with wave numbers assigned by topological level
// (Kahn's algorithm, same shape as the teacher's topoSort) rather than
// trusted verbatim from the agent.
func ParseTasks(structuredJSON, freeText string) []story.StoryStep {
	dtos, ok := tryParse(structuredJSON, taskSchema)
	if !ok {
		dtos, ok = tryParse(extractJSONArray(freeText), taskSchema)
	}
	if !ok || len(dtos) == 0 {
		return genericFallbackSteps(freeText)
	}
	return assignWavesByDependency(dtos)
}

func tryParse(jsonText string, schema *jsonschema.Schema) ([]stepDTO, bool) {
	jsonText = strings.TrimSpace(jsonText)
	if jsonText == "" {
		return nil, false
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return nil, false
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, false
	}
	var dtos []stepDTO
	if err := unmarshalDTOs(parsed, &dtos); err != nil {
		return nil, false
	}
	return dtos, true
}

func dtoToStep(d stepDTO, order, wave int) story.StoryStep {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = fmt.Sprintf("step %d", order)
	}
	return story.StoryStep{
		ID:          uuid.NewString(),
		Order:       order,
		Wave:        wave,
		Name:        name,
		Description: d.Description,
		Capability:  story.Capability(normalizeCapability(d.Capability)),
		Language:    d.Language,
		Status:      story.StepPending,
	}
}

func normalizeCapability(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	switch story.Capability(c) {
	case story.CapabilityAnalysis, story.CapabilityCoding, story.CapabilityTesting,
		story.CapabilityReview, story.CapabilityDocumentation, story.CapabilityFixing:
		return c
	default:
		return string(story.CapabilityCoding)
	}
}

// assignWavesByDependency groups DTOs into topological levels by name,
// generalizing the teacher's topoSort (coordinator/executor.go) from
// PlanStep.ID-keyed dependencies to stepDTO.Name-keyed ones, since the
// agent reply has no ids yet.
func assignWavesByDependency(dtos []stepDTO) []story.StoryStep {
	byName := make(map[string]stepDTO, len(dtos))
	for _, d := range dtos {
		byName[strings.TrimSpace(d.Name)] = d
	}

	processed := make(map[string]bool, len(dtos))
	var steps []story.StoryStep
	order := 1
	wave := 1

	for len(processed) < len(dtos) {
		var ready []stepDTO
		for _, d := range dtos {
			name := strings.TrimSpace(d.Name)
			if processed[name] {
				continue
			}
			canRun := true
			for _, dep := range d.DependsOn {
				dep = strings.TrimSpace(dep)
				if _, exists := byName[dep]; !exists {
					continue // unknown dependency: ignore rather than deadlock the whole plan
				}
				if !processed[dep] {
					canRun = false
					break
				}
			}
			if canRun {
				ready = append(ready, d)
			}
		}
		if len(ready) == 0 {
			// Dependency cycle: drain remaining DTOs into one final wave
			// rather than looping forever or discarding them.
			for _, d := range dtos {
				name := strings.TrimSpace(d.Name)
				if !processed[name] {
					ready = append(ready, d)
				}
			}
		}
		for _, d := range ready {
			steps = append(steps, dtoToStep(d, order, wave))
			processed[strings.TrimSpace(d.Name)] = true
			order++
		}
		wave++
	}

	resolveDependsOn(steps, dtos)
	return steps
}

// resolveDependsOn fills in StoryStep.DependsOn with real ids now that every
// DTO has been assigned one, matched back up by name.
func resolveDependsOn(steps []story.StoryStep, dtos []stepDTO) {
	idByName := make(map[string]string, len(steps))
	for _, s := range steps {
		idByName[s.Name] = s.ID
	}
	nameToDTO := make(map[string]stepDTO, len(dtos))
	for _, d := range dtos {
		nameToDTO[strings.TrimSpace(d.Name)] = d
	}
	for i := range steps {
		d, ok := nameToDTO[steps[i].Name]
		if !ok {
			continue
		}
		for _, dep := range d.DependsOn {
			if id, ok := idByName[strings.TrimSpace(dep)]; ok {
				steps[i].DependsOn = append(steps[i].DependsOn, id)
			}
		}
	}
}

// genericFallbackSteps implements the ParseError recovery path (spec.md
// §7): a single generic coding step carrying the raw response, never
// surfaced as an error to the caller.
func genericFallbackSteps(rawResponse string) []story.StoryStep {
	desc := strings.TrimSpace(rawResponse)
	if desc == "" {
		desc = "(planner returned no usable output)"
	}
	return []story.StoryStep{{
		ID:          uuid.NewString(),
		Order:       1,
		Wave:        1,
		Name:        "Implement feature",
		Description: desc,
		Capability:  story.CapabilityCoding,
		Status:      story.StepPending,
	}}
}
