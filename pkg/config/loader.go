// Copyright 2025 Shihao Yu
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
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Load reads a YAML config file, expands ${VAR}/${VAR:-default} references
// against the process environment, decodes it into a Config, and fills any
// unset fields with zero-config defaults.
//
// A missing path is not an error: it returns Default(), matching the
// runtime's zero-config boot philosophy.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes raw YAML bytes into a Config, applying env expansion and
// defaults the same way Load does.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	expanded := expandEnvVars(raw)

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// expandEnvVars walks a decoded YAML document, substituting ${VAR} and
// ${VAR:-default} references in every string value.
func expandEnvVars(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = expandEnvVars(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = expandEnvVars(sub)
		}
		return out
	case string:
		return expandString(val)
	default:
		return v
	}
}

func expandString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	})
}

// InferLLMProvider mirrors spec.md §6: presence of a known API key
// environment variable selects a remote inference endpoint; absence falls
// back to a local Ollama endpoint running llama3.2.
func InferLLMProvider() LLMConfig {
	for _, candidate := range []struct {
		env      string
		provider string
	}{
		{"GROQ_API_KEY", "groq"},
		{"TOGETHER_API_KEY", "together"},
		{"OPENROUTER_API_KEY", "openrouter"},
	} {
		if key := strings.TrimSpace(os.Getenv(candidate.env)); key != "" {
			return LLMConfig{Provider: candidate.provider, APIKey: key}
		}
	}
	return LLMConfig{
		Provider: "ollama",
		BaseURL:  "http://localhost:11434/v1",
		Model:    "llama3.2",
	}
}
