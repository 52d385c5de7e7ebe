package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "phaseline.yml"

// Config models phaseline.yml.
type Config struct {
	Pipeline   Pipeline                `yaml:"pipeline"`
	Iterations Iterations              `yaml:"iterations"`
	Executor   Executor                `yaml:"executor"`
	Recovery   Recovery                `yaml:"recovery"`
	Workers    map[string]WorkerConfig `yaml:"workers"`
	Server     Server                  `yaml:"server"`
	Log        Log                     `yaml:"log"`
	NATS       NATS                    `yaml:"nats"`
}

type Pipeline struct {
	Phases      []Phase     `yaml:"phases"`
	QualityLoop QualityLoop `yaml:"quality_loop"`
}

// Phase is one node of the pipeline graph. Next names the successor; an
// empty Next ends the pipeline. Gate, when set, makes the edge to Next
// wait for an external decision.
type Phase struct {
	ID         string        `yaml:"id"`
	Capability string        `yaml:"capability"`
	Next       string        `yaml:"next,omitempty"`
	Gate       string        `yaml:"gate,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	Retries    *int          `yaml:"retries,omitempty"`
}

// QualityLoop is the single back edge taken without a gate while a
// failing verdict still has budget left.
type QualityLoop struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Budget int    `yaml:"budget"`
	Gate   string `yaml:"gate"`
}

type Iterations struct {
	Max     int               `yaml:"max"`
	Reentry map[string]string `yaml:"reentry"`
}

type Executor struct {
	Retries        int           `yaml:"retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffFactor  int           `yaml:"backoff_factor"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type Recovery struct {
	Grace      time.Duration `yaml:"grace"`
	AutoResume bool          `yaml:"auto_resume"`
}

type WorkerConfig struct {
	Type    string            `yaml:"type"`
	Run     string            `yaml:"run,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Output  string            `yaml:"output,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type NATS struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

var gateKinds = map[string]bool{
	"plan_approval":    true,
	"qa_approval":      true,
	"publish_approval": true,
}

var workerTypes = map[string]bool{
	"echo":    true,
	"script":  true,
	"webhook": true,
}

// Validate ensures the config describes a well-formed pipeline.
func (c *Config) Validate() error {
	if len(c.Pipeline.Phases) == 0 {
		return fmt.Errorf("config.pipeline.phases is required")
	}
	seen := make(map[string]bool, len(c.Pipeline.Phases))
	for _, p := range c.Pipeline.Phases {
		if p.ID == "" {
			return fmt.Errorf("config.pipeline.phases contains empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("phase %s defined twice", p.ID)
		}
		seen[p.ID] = true
		if p.Capability == "" {
			return fmt.Errorf("phase %s missing capability", p.ID)
		}
		if p.Gate != "" && !gateKinds[p.Gate] {
			return fmt.Errorf("phase %s has unknown gate %s", p.ID, p.Gate)
		}
		if p.Gate != "" && p.Next == "" {
			return fmt.Errorf("phase %s gates an edge but has no next phase", p.ID)
		}
		if p.Retries != nil && *p.Retries < 0 {
			return fmt.Errorf("phase %s retries must be >= 0", p.ID)
		}
	}
	for _, p := range c.Pipeline.Phases {
		if p.Next != "" && !seen[p.Next] {
			return fmt.Errorf("phase %s points to unknown phase %s", p.ID, p.Next)
		}
	}
	if loop := c.Pipeline.QualityLoop; loop.From != "" || loop.To != "" {
		if !seen[loop.From] || !seen[loop.To] {
			return fmt.Errorf("quality_loop must connect known phases (from=%s to=%s)", loop.From, loop.To)
		}
		if loop.Budget < 0 {
			return fmt.Errorf("quality_loop.budget must be >= 0")
		}
		if loop.Gate != "" && !gateKinds[loop.Gate] {
			return fmt.Errorf("quality_loop has unknown gate %s", loop.Gate)
		}
		if c.phase(loop.From).Next == "" {
			return fmt.Errorf("quality_loop.from %s must have a next phase", loop.From)
		}
	}
	if c.Iterations.Max <= 0 {
		return fmt.Errorf("config.iterations.max must be > 0")
	}
	for category, phase := range c.Iterations.Reentry {
		if !seen[phase] {
			return fmt.Errorf("reentry for %s points to unknown phase %s", category, phase)
		}
	}
	if c.Executor.Retries < 0 {
		return fmt.Errorf("config.executor.retries must be >= 0")
	}
	if c.Executor.BackoffFactor < 1 {
		return fmt.Errorf("config.executor.backoff_factor must be >= 1")
	}
	for name, w := range c.Workers {
		if !workerTypes[w.Type] {
			return fmt.Errorf("worker %s has unknown type %q", name, w.Type)
		}
		if w.Type == "script" && w.Run == "" {
			return fmt.Errorf("script worker %s missing run", name)
		}
		if w.Type == "webhook" && w.URL == "" {
			return fmt.Errorf("webhook worker %s missing url", name)
		}
	}
	return nil
}

func (c *Config) phase(id string) Phase {
	for _, p := range c.Pipeline.Phases {
		if p.ID == id {
			return p
		}
	}
	return Phase{}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to the built-in pipeline when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in nine phase pipeline.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := baseline()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.seedReentry()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func baseline() *Config {
	return &Config{
		Iterations: Iterations{Max: 5},
		Executor: Executor{
			Retries:        2,
			BackoffBase:    time.Second,
			BackoffFactor:  4,
			DefaultTimeout: 10 * time.Minute,
		},
		Recovery: Recovery{Grace: 2 * time.Minute},
		Server:   Server{Addr: "127.0.0.1:8080", BasePath: "/v0"},
		Log:      Log{Level: "info", Format: "json"},
		NATS:     NATS{SubjectPrefix: "phaseline.activity"},
	}
}

var defaultReentry = map[string]string{
	"bug_fix":       "implementation",
	"design_change": "design",
	"scope_change":  "planning",
}

// seedReentry fills categories the config leaves unmapped with the default
// re-entry phase, when the pipeline declares that phase.
func (c *Config) seedReentry() {
	for category, phase := range defaultReentry {
		if _, ok := c.Iterations.Reentry[category]; ok {
			continue
		}
		if c.phase(phase).ID == "" {
			continue
		}
		if c.Iterations.Reentry == nil {
			c.Iterations.Reentry = make(map[string]string, len(defaultReentry))
		}
		c.Iterations.Reentry[category] = phase
	}
}

// RetriesFor returns the retry ceiling for a phase.
func (c *Config) RetriesFor(phase string) int {
	if p := c.phase(phase); p.Retries != nil {
		return *p.Retries
	}
	return c.Executor.Retries
}

// TimeoutFor returns the maximum duration of one attempt of a phase.
func (c *Config) TimeoutFor(phase string) time.Duration {
	if p := c.phase(phase); p.Timeout > 0 {
		return p.Timeout
	}
	return c.Executor.DefaultTimeout
}

// Backoff returns the delay before retry n (1-based): base * factor^(n-1).
func (c *Config) Backoff(n int) time.Duration {
	d := c.Executor.BackoffBase
	for i := 1; i < n; i++ {
		d *= time.Duration(c.Executor.BackoffFactor)
	}
	return d
}

const defaultTemplate = `pipeline:
  phases:
    - id: analysis
      capability: analyst
      next: research
    - id: research
      capability: researcher
      next: planning
    - id: planning
      capability: planner
      next: design
      gate: plan_approval
    - id: design
      capability: designer
      next: implementation
    - id: implementation
      capability: implementer
      next: quality_check
    - id: quality_check
      capability: reviewer
      next: human_review
      gate: qa_approval
    - id: human_review
      capability: review_packager
      next: publication
      gate: publish_approval
    - id: publication
      capability: publisher
      next: retrospective
    - id: retrospective
      capability: retrospective
  quality_loop:
    from: quality_check
    to: implementation
    budget: 2
    gate: qa_approval

iterations:
  max: 5
  reentry:
    bug_fix: implementation
    design_change: design
    scope_change: planning

executor:
  retries: 2
  backoff_base: 1s
  backoff_factor: 4
  default_timeout: 10m

recovery:
  grace: 2m
  auto_resume: false

workers:
  analyst: {type: echo}
  researcher: {type: echo}
  planner: {type: echo}
  designer: {type: echo}
  implementer: {type: echo}
  reviewer: {type: echo}
  review_packager: {type: echo}
  publisher: {type: echo}
  retrospective: {type: echo}

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: json

nats:
  subject_prefix: phaseline.activity
`
