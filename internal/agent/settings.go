package agent

import (
	"strings"
)

// Setting keys shared by most adapters.
const (
	KeyAPIKey  = "api_key"
	KeyBaseURL = "base_url"
	KeyModel   = "model"
)

// Rule resolves one setting. Override wins, then Vars in order, then
// Default.
type Rule struct {
	Key      string
	Override string
	Vars     []string
	Required bool
	Default  string
}

// Required builds a required rule.
func Required(key string, vars ...string) Rule {
	return Rule{Key: key, Vars: vars, Required: true}
}

// Optional builds an optional rule.
func Optional(key string, vars ...string) Rule {
	return Rule{Key: key, Vars: vars}
}

// WithOverride sets the explicit value that beats every variable.
func (r Rule) WithOverride(v string) Rule {
	r.Override = v
	return r
}

// WithDefault sets the value used when nothing else is set.
func (r Rule) WithDefault(v string) Rule {
	r.Default = v
	return r
}

// Settings is the immutable result of resolving rules against an
// environment.
type Settings struct {
	values map[string]string
}

// Get returns the resolved value for key.
func (s Settings) Get(key string) string { return s.values[key] }

func (s Settings) APIKey() string  { return s.values[KeyAPIKey] }
func (s Settings) BaseURL() string { return s.values[KeyBaseURL] }
func (s Settings) Model() string   { return s.values[KeyModel] }

// MissingError lists every required setting that had no value. Each entry
// holds the candidate variables for one rule.
type MissingError struct {
	Missing [][]string
}

func (e *MissingError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, vars := range e.Missing {
		if len(vars) == 0 {
			continue
		}
		part := vars[0]
		if len(vars) > 1 {
			part += " (or " + strings.Join(vars[1:], ", ") + ")"
		}
		parts = append(parts, part)
	}
	return "missing required environment variable(s): " + strings.Join(parts, ", ")
}

// Resolve evaluates rules against env and reports all unmet required rules
// at once.
func Resolve(env map[string]string, rules ...Rule) (Settings, error) {
	s := Settings{values: make(map[string]string, len(rules))}
	var missing [][]string
	for _, r := range rules {
		v := strings.TrimSpace(r.Override)
		for _, name := range r.Vars {
			if v != "" {
				break
			}
			v = strings.TrimSpace(env[name])
		}
		if v == "" {
			v = r.Default
		}
		if v == "" && r.Required {
			missing = append(missing, r.Vars)
			continue
		}
		s.values[r.Key] = v
	}
	if len(missing) > 0 {
		return Settings{}, &MissingError{Missing: missing}
	}
	return s, nil
}

// anySet reports whether any of the named variables has a value.
func anySet(env map[string]string, names ...string) bool {
	for _, n := range names {
		if strings.TrimSpace(env[n]) != "" {
			return true
		}
	}
	return false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
