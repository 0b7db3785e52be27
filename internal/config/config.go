package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseline/internal/domain"
)

// Config models caseline.yml.
type Config struct {
	Simulation Simulation      `yaml:"simulation" json:"simulation"`
	Seed       Seed            `yaml:"seed" json:"seed"`
	Webhooks   []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type Simulation struct {
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	Speed          float64        `yaml:"speed" json:"speed"`
	QueueDelayMS   int            `yaml:"queue_delay_ms" json:"queue_delay_ms"`
	TickMS         int            `yaml:"tick_ms" json:"tick_ms"`
	APILatencyMS   int            `yaml:"api_latency_ms" json:"api_latency_ms"`
	StageDurations StageDurations `yaml:"stage_durations_seconds" json:"stage_durations_seconds"`
}

type StageDurations struct {
	Stage1 float64 `yaml:"stage1" json:"stage1"`
	Stage2 float64 `yaml:"stage2" json:"stage2"`
	Stage3 float64 `yaml:"stage3" json:"stage3"`
}

type Seed struct {
	BaseDate string `yaml:"base_date" json:"base_date"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with caseline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	s := c.Simulation
	if s.Speed <= 0 || math.IsNaN(s.Speed) || math.IsInf(s.Speed, 0) {
		return fmt.Errorf("config.simulation.speed must be a positive number")
	}
	if s.QueueDelayMS < 0 {
		return fmt.Errorf("config.simulation.queue_delay_ms must not be negative")
	}
	if s.TickMS <= 0 {
		return fmt.Errorf("config.simulation.tick_ms must be positive")
	}
	if s.APILatencyMS < 0 {
		return fmt.Errorf("config.simulation.api_latency_ms must not be negative")
	}
	d := s.StageDurations
	if d.Stage1 <= 0 || d.Stage2 <= 0 || d.Stage3 <= 0 {
		return fmt.Errorf("config.simulation.stage_durations_seconds must all be positive")
	}
	if !(d.Stage1 < d.Stage2 && d.Stage2 < d.Stage3) {
		return fmt.Errorf("config.simulation.stage_durations_seconds must increase from stage1 to stage3")
	}
	if _, err := c.Seed.Base(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if !domain.EventType(evt).Valid() {
				return fmt.Errorf("webhook %s subscribes to unknown event type %s", hook.URL, evt)
			}
		}
	}
	return nil
}

// Base parses the seed base date.
func (s Seed) Base() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.BaseDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("config.seed.base_date: %w", err)
	}
	return t.UTC(), nil
}

// StageDuration is the simulated run time of a stage model after speed scaling.
func (s Simulation) StageDuration(stage domain.Stage) time.Duration {
	var secs float64
	switch stage {
	case domain.Stage1ID:
		secs = s.StageDurations.Stage1
	case domain.Stage2ID:
		secs = s.StageDurations.Stage2
	case domain.Stage3ID:
		secs = s.StageDurations.Stage3
	}
	return s.scale(time.Duration(secs * float64(time.Second)))
}

func (s Simulation) QueueDelay() time.Duration {
	return s.scale(time.Duration(s.QueueDelayMS) * time.Millisecond)
}

func (s Simulation) Tick() time.Duration {
	tick := s.scale(time.Duration(s.TickMS) * time.Millisecond)
	if tick < time.Millisecond {
		return time.Millisecond
	}
	return tick
}

func (s Simulation) APILatency() time.Duration {
	if !s.Enabled {
		return 0
	}
	return s.scale(time.Duration(s.APILatencyMS) * time.Millisecond)
}

func (s Simulation) scale(d time.Duration) time.Duration {
	if s.Speed <= 0 {
		return d
	}
	return time.Duration(float64(d) / s.Speed)
}

// ApplyOverrides copies environment and flag values bound in v onto the config.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	if v == nil {
		return nil
	}
	if v.IsSet("speed") {
		c.Simulation.Speed = v.GetFloat64("speed")
	}
	if v.IsSet("simulation") {
		c.Simulation.Enabled = v.GetBool("simulation")
	}
	if v.IsSet("api-latency-ms") {
		c.Simulation.APILatencyMS = v.GetInt("api-latency-ms")
	}
	return c.Validate()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `simulation:
  enabled: true
  speed: 1
  queue_delay_ms: 600
  tick_ms: 250
  api_latency_ms: 150
  stage_durations_seconds:
    stage1: 8
    stage2: 14
    stage3: 22

seed:
  base_date: "2025-03-03T09:00:00Z"
`
