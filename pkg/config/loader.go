// Copyright 2025 Squadron Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/nbaertsch/squadron/pkg/pipeline"
)

// AgentDefinition is one agents/*.md file: YAML frontmatter plus the
// markdown prompt body.
type AgentDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Tools       []string `yaml:"tools,omitempty"`
	Skills      []string `yaml:"skills,omitempty"`

	// Prompt is the markdown body below the frontmatter.
	Prompt string `yaml:"-"`
}

// Project is everything loaded from a .squadron/ directory.
type Project struct {
	Config      *Config
	Definitions map[string]*AgentDefinition
	Pipelines   map[string]*pipeline.Definition
}

// Load reads config.yaml, agents/*.md, and pipelines/*.yaml (plus the
// legacy workflows/*.yaml location, consolidated into the pipeline
// engine) from dir.
func Load(dir string) (*Project, error) {
	cfg, err := LoadConfigFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	defs, err := LoadAgentDefinitions(filepath.Join(dir, "agents"))
	if err != nil {
		return nil, err
	}

	pipelines := make(map[string]*pipeline.Definition)
	for _, sub := range []string{"pipelines", "workflows"} {
		loaded, err := LoadPipelines(filepath.Join(dir, sub))
		if err != nil {
			return nil, err
		}
		for name, def := range loaded {
			if _, dup := pipelines[name]; dup {
				return nil, fmt.Errorf("pipeline %q defined more than once", name)
			}
			pipelines[name] = def
		}
	}
	if err := validateSubPipelineRefs(pipelines); err != nil {
		return nil, err
	}

	// Every role must resolve to a loaded definition file.
	for role, rc := range cfg.AgentRoles {
		name := strings.TrimSuffix(filepath.Base(rc.AgentDefinition), ".md")
		if _, ok := defs[name]; !ok {
			return nil, fmt.Errorf("agent_roles.%s: definition %q not found under agents/", role, rc.AgentDefinition)
		}
	}

	return &Project{Config: cfg, Definitions: defs, Pipelines: pipelines}, nil
}

// LoadConfigFile parses a single config.yaml with env-var expansion.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expanded := expandEnvVars(rawMap)

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadAgentDefinitions parses every *.md file in dir. A missing dir
// yields an empty map.
func LoadAgentDefinitions(dir string) (map[string]*AgentDefinition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*AgentDefinition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agents dir: %w", err)
	}

	defs := make(map[string]*AgentDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		def, err := ParseAgentDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		if def.Name == "" {
			def.Name = name
		}
		defs[name] = def
	}
	return defs, nil
}

var frontmatterRe = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?`)

// ParseAgentDefinition splits a markdown agent file into frontmatter
// and prompt body.
func ParseAgentDefinition(data []byte) (*AgentDefinition, error) {
	def := &AgentDefinition{}
	body := string(data)

	if m := frontmatterRe.FindStringSubmatch(body); m != nil {
		if err := yaml.Unmarshal([]byte(m[1]), def); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
		body = body[len(m[0]):]
	}

	def.Prompt = strings.TrimSpace(body)
	if def.Prompt == "" {
		return nil, fmt.Errorf("agent definition has an empty prompt body")
	}
	return def, nil
}

// LoadPipelines parses every *.yaml / *.yml file in dir. A missing dir
// yields an empty map. Files are read in sorted order so duplicate
// detection is deterministic.
func LoadPipelines(dir string) (map[string]*pipeline.Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]*pipeline.Definition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".yaml") || strings.HasSuffix(entry.Name(), ".yml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make(map[string]*pipeline.Definition)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		def, err := pipeline.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := out[def.Name]; dup {
			return nil, fmt.Errorf("%s: pipeline %q defined more than once", path, def.Name)
		}
		out[def.Name] = def
	}
	return out, nil
}

func validateSubPipelineRefs(pipelines map[string]*pipeline.Definition) error {
	for name, def := range pipelines {
		for _, ref := range def.SubPipelineRefs() {
			if _, ok := pipelines[ref]; !ok {
				return fmt.Errorf("pipeline %q references unknown sub-pipeline %q", name, ref)
			}
		}
	}
	return nil
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]interface{}:
		return expandEnvVars(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
