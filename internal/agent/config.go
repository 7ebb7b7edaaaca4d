// Copyright 2025 Tom Barlow
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

package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/workbench/internal/store"
)

// DefaultConfigFile is the tunnel config looked for in the working directory
// when --config is not given.
const DefaultConfigFile = "workbench.yaml"

// TunnelConfig is the agent's config file (workbench.yaml). It names the
// workspace the tunnel attaches to and the local services it exposes.
type TunnelConfig struct {
	// Workspace is the workspace ID or subdomain the tunnel serves.
	Workspace string `yaml:"workspace"`

	// Expose maps service names to local ports. The service name becomes a
	// hostname prefix on the workspace subdomain.
	Expose map[string]ExposeEntry `yaml:"expose"`

	// LocalHost overrides where exposed services are reached, default
	// 127.0.0.1.
	LocalHost string `yaml:"local_host"`
}

// ExposeEntry describes one exposed local service.
type ExposeEntry struct {
	Port        int    `yaml:"port"`
	Description string `yaml:"description"`
}

// LoadTunnelConfig reads and validates a workbench.yaml file.
func LoadTunnelConfig(path string) (*TunnelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel config: %w", err)
	}

	var cfg TunnelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel config: %w", err)
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config is usable before a connection is attempted.
func (c *TunnelConfig) Validate() error {
	if len(c.Expose) == 0 {
		return fmt.Errorf("tunnel config exposes no services")
	}
	for name, e := range c.Expose {
		if name == "" {
			return fmt.Errorf("tunnel config has an unnamed service")
		}
		if e.Port <= 0 || e.Port > 65535 {
			return fmt.Errorf("service %q has invalid port %d", name, e.Port)
		}
	}
	return nil
}

// ExposedPorts converts the expose block to the wire representation the
// open frame and token mint use.
func (c *TunnelConfig) ExposedPorts() map[string]store.ExposedPort {
	ports := make(map[string]store.ExposedPort, len(c.Expose))
	for name, e := range c.Expose {
		ports[name] = store.ExposedPort{Port: e.Port, Description: e.Description}
	}
	return ports
}

// Ports returns the service-to-port map used when requesting a scoped
// tunnel token.
func (c *TunnelConfig) Ports() map[string]int {
	ports := make(map[string]int, len(c.Expose))
	for name, e := range c.Expose {
		ports[name] = e.Port
	}
	return ports
}

// PrimaryPort picks the port recorded as the workspace's local port. The
// "web" service wins when present, otherwise the lowest port, so the choice
// is stable across map iteration order.
func (c *TunnelConfig) PrimaryPort() int {
	if e, ok := c.Expose["web"]; ok {
		return e.Port
	}
	primary := 0
	for _, e := range c.Expose {
		if primary == 0 || e.Port < primary {
			primary = e.Port
		}
	}
	return primary
}
