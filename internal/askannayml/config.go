// Package askannayml parses the askanna.yml job configuration shipped in a
// package.
package askannayml

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileNames are the accepted names of the configuration file, in lookup order.
var FileNames = []string{"askanna.yml", "askanna.yaml"}

// Top-level keys that configure the project rather than name a job.
var reservedKeys = map[string]bool{
	"timezone":      true,
	"environment":   true,
	"notifications": true,
	"variables":     true,
	"cluster":       true,
	"worker":        true,
	"project":       true,
}

// Config is a parsed askanna.yml.
type Config struct {
	Timezone      string
	Environment   *Environment
	Notifications Notifications
	Jobs          map[string]*Job

	// Warnings lists entries that were ignored while parsing.
	Warnings []string
}

// Environment selects the container image of a job.
type Environment struct {
	Image       string
	Credentials *Credentials
}

// Credentials authenticate against a private registry. Values may reference
// variables as ${NAME}.
type Credentials struct {
	Username string
	Password string
}

// Notifications lists email recipients. "All" receives every run
// notification; "Error" only failures.
type Notifications struct {
	All   []string
	Error []string
}

// Output names the files a job publishes after its commands finished.
type Output struct {
	Result    string
	Artifacts []string
}

// Job is one runnable entry of the configuration.
type Job struct {
	Name          string
	Commands      []string
	Schedules     []Schedule
	Notifications Notifications
	Environment   *Environment
	Timezone      string
	Output        Output
}

// Schedule is a validated cron entry. Raw is the entry as written.
type Schedule struct {
	Raw  string
	Cron string
}

// Parse decodes askanna.yml. Unknown timezones resolve to defaultTZ and
// invalid schedules are dropped; both are reported in Warnings.
func Parse(data []byte, defaultTZ string) (*Config, error) {
	if defaultTZ == "" || !ValidTimezone(defaultTZ) {
		defaultTZ = "UTC"
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("askanna.yml is not valid YAML: %w", err)
	}
	cfg := &Config{Timezone: defaultTZ, Jobs: make(map[string]*Job)}
	if len(doc.Content) == 0 {
		return cfg, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("askanna.yml must be a mapping")
	}

	var jobNodes []*yaml.Node
	var jobNames []string
	forEachPair(root, func(key string, value *yaml.Node) {
		switch key {
		case "timezone":
			cfg.Timezone = cfg.timezone(value, defaultTZ, "timezone")
		case "environment":
			cfg.Environment = cfg.environment(value, "environment")
		case "notifications":
			cfg.Notifications = cfg.notifications(value, "notifications")
		default:
			if reservedKeys[key] {
				return
			}
			if value.Kind != yaml.MappingNode || mappingValue(value, "job") == nil {
				cfg.warn("%s: not a job, no 'job' commands", key)
				return
			}
			jobNames = append(jobNames, key)
			jobNodes = append(jobNodes, value)
		}
	})

	for i, name := range jobNames {
		cfg.Jobs[name] = cfg.job(name, jobNodes[i])
	}
	return cfg, nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) job(name string, node *yaml.Node) *Job {
	job := &Job{Name: name, Timezone: c.Timezone}
	forEachPair(node, func(key string, value *yaml.Node) {
		where := name + "." + key
		switch key {
		case "job":
			job.Commands = c.stringList(value, where)
		case "schedule":
			job.Schedules = c.schedules(value, where)
		case "notifications":
			job.Notifications = c.notifications(value, where)
		case "environment":
			job.Environment = c.environment(value, where)
		case "timezone":
			job.Timezone = c.timezone(value, c.Timezone, where)
		case "output":
			job.Output = c.output(value, where)
		}
	})
	return job
}

func (c *Config) timezone(node *yaml.Node, fallback, where string) string {
	tz := strings.TrimSpace(node.Value)
	if node.Kind != yaml.ScalarNode || !ValidTimezone(tz) {
		c.warn("%s: unknown timezone %q, using %s", where, tz, fallback)
		return fallback
	}
	return tz
}

func (c *Config) environment(node *yaml.Node, where string) *Environment {
	if node.Kind != yaml.MappingNode {
		c.warn("%s: expected a mapping", where)
		return nil
	}
	env := &Environment{}
	if image := mappingValue(node, "image"); image != nil {
		env.Image = strings.TrimSpace(image.Value)
	}
	if creds := mappingValue(node, "credentials"); creds != nil && creds.Kind == yaml.MappingNode {
		env.Credentials = &Credentials{}
		if u := mappingValue(creds, "username"); u != nil {
			env.Credentials.Username = u.Value
		}
		if p := mappingValue(creds, "password"); p != nil {
			env.Credentials.Password = p.Value
		}
	}
	if env.Image == "" {
		c.warn("%s: no image configured", where)
		return nil
	}
	return env
}

func (c *Config) notifications(node *yaml.Node, where string) Notifications {
	var n Notifications
	if node.Kind != yaml.MappingNode {
		c.warn("%s: expected a mapping", where)
		return n
	}
	read := func(level string) []string {
		block := mappingValue(node, level)
		if block == nil {
			return nil
		}
		if block.Kind != yaml.MappingNode {
			c.warn("%s.%s: expected a mapping", where, level)
			return nil
		}
		email := mappingValue(block, "email")
		if email == nil {
			return nil
		}
		return c.stringList(email, where+"."+level+".email")
	}
	n.All = read("all")
	n.Error = read("error")
	return n
}

func (c *Config) output(node *yaml.Node, where string) Output {
	var out Output
	if node.Kind != yaml.MappingNode {
		c.warn("%s: expected a mapping", where)
		return out
	}
	if r := mappingValue(node, "result"); r != nil && r.Kind == yaml.ScalarNode {
		out.Result = strings.TrimSpace(r.Value)
	}
	if a := mappingValue(node, "artifact"); a != nil {
		out.Artifacts = c.stringList(a, where+".artifact")
	}
	return out
}

func (c *Config) schedules(node *yaml.Node, where string) []Schedule {
	entries := []*yaml.Node{node}
	if node.Kind == yaml.SequenceNode {
		entries = node.Content
	}

	var out []Schedule
	for i, entry := range entries {
		raw, expr, err := scheduleEntry(entry)
		if err != nil {
			c.warn("%s[%d]: %v, schedule ignored", where, i, err)
			continue
		}
		out = append(out, Schedule{Raw: raw, Cron: expr})
	}
	return out
}

func scheduleEntry(node *yaml.Node) (string, string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		expr, err := ParseCron(node.Value)
		return node.Value, expr, err
	case yaml.MappingNode:
		fields := make(map[string]string)
		forEachPair(node, func(key string, value *yaml.Node) {
			fields[key] = value.Value
		})
		expr, err := CronFromFields(fields)
		return rawFields(fields), expr, err
	default:
		return "", "", fmt.Errorf("unsupported schedule entry")
	}
}

func rawFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

func (c *Config) stringList(node *yaml.Node, where string) []string {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil
		}
		return []string{node.Value}
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for i, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				c.warn("%s[%d]: expected a string", where, i)
				continue
			}
			out = append(out, item.Value)
		}
		return out
	default:
		c.warn("%s: expected a string or a list", where)
		return nil
	}
}

// Job returns the named job.
func (c *Config) Job(name string) (*Job, bool) {
	j, ok := c.Jobs[name]
	return j, ok
}

// JobNames returns the job names in sorted order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvironmentFor returns the job's environment, falling back to the global
// one and finally to defaultImage.
func (c *Config) EnvironmentFor(job *Job, defaultImage string) Environment {
	if job != nil && job.Environment != nil {
		return *job.Environment
	}
	if c.Environment != nil {
		return *c.Environment
	}
	return Environment{Image: defaultImage}
}

// Recipients merges the global and job notification blocks. Error
// recipients are included only for failed runs. Duplicates are removed.
func (c *Config) Recipients(job *Job, failed bool) []string {
	var all []string
	all = append(all, c.Notifications.All...)
	if job != nil {
		all = append(all, job.Notifications.All...)
	}
	if failed {
		all = append(all, c.Notifications.Error...)
		if job != nil {
			all = append(all, job.Notifications.Error...)
		}
	}

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, r := range all {
		r = strings.TrimSpace(r)
		if r == "" || seen[strings.ToLower(r)] {
			continue
		}
		seen[strings.ToLower(r)] = true
		out = append(out, r)
	}
	return out
}

// ValidTimezone reports whether tz is known to the tz database.
func ValidTimezone(tz string) bool {
	if tz == "" || strings.EqualFold(tz, "local") {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

func forEachPair(node *yaml.Node, fn func(key string, value *yaml.Node)) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		fn(node.Content[i].Value, node.Content[i+1])
	}
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
