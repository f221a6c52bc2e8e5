// Package config loads and validates the runtime's YAML configuration
// document: typed structs, defaults applied after unmarshal, then
// fail-fast validation.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Destination string `yaml:"destination"`
	Debug       bool   `yaml:"debug"`
}

type TraceConfig struct {
	TraceFile string `yaml:"trace_file"`
}

type CacheConfig struct {
	Backend string `yaml:"backend"` // "memory" | "disk"
	Dir     string `yaml:"dir"`
}

type BrokerConfig struct {
	Mode          string   `yaml:"mode"` // "dev" | "persistent"
	Address       string   `yaml:"address"`
	QueueName     string   `yaml:"queue_name"`
	InputEnabled  bool     `yaml:"input_enabled"`
	OutputEnabled bool     `yaml:"output_enabled"`
	OutputTopic   string   `yaml:"output_topic"`
	Encoding      string   `yaml:"encoding"` // utf-8|base64|gzip|none
	Format        string   `yaml:"format"`   // json|yaml|text
	Subscriptions []string `yaml:"subscriptions"`
}

type CommandControlConfig struct {
	Enabled     bool         `yaml:"enabled"`
	Namespace   string       `yaml:"namespace"`
	TopicPrefix string       `yaml:"topic_prefix"`
	ReplyPrefix string       `yaml:"reply_prefix"`
	Broker      BrokerConfig `yaml:"broker"`
}

type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
}

type ComponentConfig struct {
	Name                  string                 `yaml:"component_name"`
	Module                string                 `yaml:"component_module"`
	Class                 string                 `yaml:"component_class"`
	Config                map[string]interface{} `yaml:"component_config"`
	InputSelection        string                 `yaml:"input_selection"`
	InputTransforms       []map[string]interface{} `yaml:"input_transforms"`
	QueueMaxDepth         int                    `yaml:"component_queue_max_depth"`
	NumInstances          int                    `yaml:"num_instances"`
	BrokerRequestResponse map[string]interface{} `yaml:"broker_request_response"`
	Subscriptions         []SubscriptionConfig   `yaml:"subscriptions"`
}

type FlowConfig struct {
	Name       string            `yaml:"name"`
	Components []ComponentConfig `yaml:"components"`
}

type AppConfig struct {
	Name         string                 `yaml:"name"`
	NumInstances int                    `yaml:"num_instances"`
	Broker       *BrokerConfig          `yaml:"broker"`
	Components   []ComponentConfig      `yaml:"components"`
	Flows        []FlowConfig           `yaml:"flows"`
	AppConfig    map[string]interface{} `yaml:"app_config"`
}

// Config is the top-level configuration document.
type Config struct {
	InstanceName   string               `yaml:"instance_name"`
	Log            LogConfig            `yaml:"log"`
	Trace          TraceConfig          `yaml:"trace"`
	Cache          CacheConfig          `yaml:"cache"`
	CommandControl CommandControlConfig `yaml:"command_control"`
	Apps           []AppConfig          `yaml:"apps"`
	Flows          []FlowConfig         `yaml:"flows"` // deprecated top-level form
}

// Load reads and merges one or more YAML documents (optionally
// "---"-separated within a single file) from path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	for {
		var doc Config
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		mergeInto(cfg, &doc)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeInto(dst, src *Config) {
	if src.InstanceName != "" {
		dst.InstanceName = src.InstanceName
	}
	if src.Log.Destination != "" {
		dst.Log = src.Log
	}
	if src.Trace.TraceFile != "" {
		dst.Trace = src.Trace
	}
	if src.Cache.Backend != "" {
		dst.Cache = src.Cache
	}
	if src.CommandControl.Enabled {
		dst.CommandControl = src.CommandControl
	}
	dst.Apps = append(dst.Apps, src.Apps...)
	dst.Flows = append(dst.Flows, src.Flows...)
}

// ApplyDefaults fills in the runtime's documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.CommandControl.Enabled {
		if cfg.CommandControl.Namespace == "" {
			cfg.CommandControl.Namespace = "flowconnect"
		}
		if cfg.CommandControl.TopicPrefix == "" {
			cfg.CommandControl.TopicPrefix = "control/v1"
		}
		if cfg.CommandControl.ReplyPrefix == "" {
			cfg.CommandControl.ReplyPrefix = "reply"
		}
		if cfg.CommandControl.Broker.Mode == "" {
			cfg.CommandControl.Broker.Mode = "dev"
		}
	}
	for i := range cfg.Apps {
		if cfg.Apps[i].Broker != nil && cfg.Apps[i].Broker.Mode == "" {
			cfg.Apps[i].Broker.Mode = "dev"
		}
	}
}

// Validate fails fast on structural errors; validation failures are fatal
// at startup only.
func Validate(cfg *Config) error {
	if len(cfg.Apps) == 0 && len(cfg.Flows) == 0 {
		return fmt.Errorf("config: must declare at least one of apps or flows")
	}

	for _, app := range cfg.Apps {
		if err := validateApp(app); err != nil {
			return err
		}
	}
	for _, f := range cfg.Flows {
		if err := validateFlow(f); err != nil {
			return err
		}
	}
	return nil
}

func validateApp(app AppConfig) error {
	simplified := app.Broker != nil && len(app.Components) > 0
	standard := len(app.Flows) > 0

	if !simplified && !standard {
		return fmt.Errorf("config: app %q must declare either flows, or broker+components", app.Name)
	}

	if simplified {
		if app.Broker.InputEnabled && strings.TrimSpace(app.Broker.QueueName) == "" {
			return fmt.Errorf("config: app %q has input_enabled but no queue_name", app.Name)
		}
		for _, c := range app.Components {
			if err := validateComponent(c); err != nil {
				return fmt.Errorf("config: app %q: %w", app.Name, err)
			}
		}
	}

	for _, f := range app.Flows {
		if err := validateFlow(f); err != nil {
			return fmt.Errorf("config: app %q: %w", app.Name, err)
		}
	}
	return nil
}

func validateFlow(f FlowConfig) error {
	if len(f.Components) == 0 {
		return fmt.Errorf("config: flow %q has an empty component list", f.Name)
	}
	for _, c := range f.Components {
		if err := validateComponent(c); err != nil {
			return fmt.Errorf("config: flow %q: %w", f.Name, err)
		}
	}
	return nil
}

func validateComponent(c ComponentConfig) error {
	if c.Module == "" && c.Class == "" {
		return fmt.Errorf("component %q missing component_module or component_class", c.Name)
	}
	return nil
}
