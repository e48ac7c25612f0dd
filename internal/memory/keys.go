package memory

import "strings"

// canonicalKeys maps extractor key aliases to canonical keys so the same
// fact never splinters across spellings between extraction and retrieval.
var canonicalKeys = map[string][]string{
	"name":              {"full_name", "username", "first_name", "my_name"},
	"language":          {"programming_language", "preferred_language", "lang", "code_language"},
	"formatter":         {"code_formatter", "formatting_tool", "format_tool"},
	"location":          {"city", "place", "where", "based_in"},
	"timezone":          {"tz", "time_zone"},
	"project":           {"working_on", "current_project", "hackathon_project"},
	"job":               {"occupation", "role", "work", "profession"},
	"testing_framework": {"test_framework", "testing_tool"},
	"api_framework":     {"api_tool", "web_framework"},
	"type_hints":        {"use_type_hints", "type_annotations"},
	"docstrings":        {"documentation_style", "doc_style"},
	"line_length":       {"max_line_length", "code_width"},
	"database":          {"db", "database_system"},
	"latency_target":    {"target_latency", "latency_goal"},
}

var aliasToCanonical = func() map[string]string {
	m := make(map[string]string)
	for canonical, aliases := range canonicalKeys {
		m[canonical] = canonical
		for _, alias := range aliases {
			m[alias] = canonical
		}
	}
	return m
}()

// CanonicalKey normalizes a raw extractor key to its canonical form.
// Unmapped keys are kept as-is (lowercased): key is open domain vocabulary,
// not a type discriminator.
func CanonicalKey(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := aliasToCanonical[k]; ok {
		return canonical
	}
	return k
}
