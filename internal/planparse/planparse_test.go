package planparse

import "testing"

func TestParsePlan_StructuredJSON(t *testing.T) {
	structured := `[
		{"name": "write handler", "capability": "coding", "description": "add the endpoint"},
		{"name": "add tests", "capability": "testing", "wave": 2}
	]`
	steps := ParsePlan(structured, "")
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Wave != 1 || steps[0].Order != 1 {
		t.Fatalf("expected first step defaulted to wave 1, order 1, got %+v", steps[0])
	}
	if steps[1].Wave != 2 {
		t.Fatalf("expected second step to keep explicit wave 2, got %d", steps[1].Wave)
	}
}

func TestParsePlan_FreeTextFencedJSON(t *testing.T) {
	reply := "Here is the plan:\n```json\n[{\"name\": \"fix bug\", \"capability\": \"fixing\"}]\n```\nLet me know if you need changes."
	steps := ParsePlan("", reply)
	if len(steps) != 1 || steps[0].Name != "fix bug" {
		t.Fatalf("expected one parsed step from fenced block, got %+v", steps)
	}
}

func TestParsePlan_UnparseableFallsBackToGenericStep(t *testing.T) {
	steps := ParsePlan("", "I think we should just wing it, no structure here.")
	if len(steps) != 1 {
		t.Fatalf("expected exactly one fallback step, got %d", len(steps))
	}
	if steps[0].Capability != "coding" || steps[0].Name != "Implement feature" {
		t.Fatalf("expected generic coding fallback step, got %+v", steps[0])
	}
}

func TestParsePlan_UnknownCapabilityNormalizesToCoding(t *testing.T) {
	steps := ParsePlan(`[{"name": "mystery step", "capability": "summoning"}]`, "")
	if len(steps) != 1 || steps[0].Capability != "coding" {
		t.Fatalf("expected unknown capability to normalize to coding, got %+v", steps)
	}
}

func TestParseTasks_AssignsWavesByDependency(t *testing.T) {
	structured := `[
		{"name": "a", "capability": "coding", "dependsOn": []},
		{"name": "b", "capability": "coding", "dependsOn": ["a"]},
		{"name": "c", "capability": "testing", "dependsOn": ["a"]},
		{"name": "d", "capability": "review", "dependsOn": ["b", "c"]}
	]`
	steps := ParseTasks(structured, "")
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(steps))
	}

	byName := map[string]int{}
	for _, s := range steps {
		byName[s.Name] = s.Wave
	}
	if byName["a"] != 1 {
		t.Fatalf("expected 'a' in wave 1, got %d", byName["a"])
	}
	if byName["b"] != 2 || byName["c"] != 2 {
		t.Fatalf("expected 'b' and 'c' in wave 2, got b=%d c=%d", byName["b"], byName["c"])
	}
	if byName["d"] != 3 {
		t.Fatalf("expected 'd' in wave 3, got %d", byName["d"])
	}
}

func TestParseTasks_ResolvesDependsOnToRealIDs(t *testing.T) {
	structured := `[
		{"name": "a", "capability": "coding", "dependsOn": []},
		{"name": "b", "capability": "coding", "dependsOn": ["a"]}
	]`
	steps := ParseTasks(structured, "")
	var aID string
	var bDeps []string
	for _, s := range steps {
		if s.Name == "a" {
			aID = s.ID
		}
		if s.Name == "b" {
			bDeps = s.DependsOn
		}
	}
	if aID == "" {
		t.Fatal("expected step 'a' to have an id")
	}
	if len(bDeps) != 1 || bDeps[0] != aID {
		t.Fatalf("expected 'b' to depend on a's real id %q, got %v", aID, bDeps)
	}
}

func TestParseTasks_CycleDoesNotDeadlock(t *testing.T) {
	structured := `[
		{"name": "a", "capability": "coding", "dependsOn": ["b"]},
		{"name": "b", "capability": "coding", "dependsOn": ["a"]}
	]`
	steps := ParseTasks(structured, "")
	if len(steps) != 2 {
		t.Fatalf("expected a cycle to still produce both steps, got %d", len(steps))
	}
}

func TestParseTasks_MissingDependsOnFallsBackToGenericStep(t *testing.T) {
	steps := ParseTasks(`[{"name": "no deps field", "capability": "coding"}]`, "")
	if len(steps) != 1 || steps[0].Name != "Implement feature" {
		t.Fatalf("expected schema-invalid input to hit the generic fallback, got %+v", steps)
	}
}
