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

package vault

import (
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// ModelProvider describes an upstream model API that credentials can be
// stored for.
type ModelProvider struct {
	// Name is the stable identifier referenced by credentials and loop
	// configs (e.g. "anthropic").
	Name string

	// DisplayName is shown in the CLI.
	DisplayName string

	// SupportsAPIKey and SupportsOAuth declare which auth kinds the
	// provider accepts.
	SupportsAPIKey bool
	SupportsOAuth  bool

	// Device authorization grant endpoints, required when SupportsOAuth.
	DeviceAuthURL string
	TokenURL      string
	ClientID      string
	Scopes        []string

	Enabled bool
}

// Model describes a model offered by a provider. Free models run without a
// stored credential.
type Model struct {
	Provider    string
	ID          string
	DisplayName string
	Free        bool
	Enabled     bool
}

// Directory resolves provider and model lookups. It is immutable after
// construction; deployments override the defaults through configuration.
type Directory struct {
	providers map[string]ModelProvider
	models    map[string]Model
}

// NewDirectory builds a directory from explicit provider and model lists.
func NewDirectory(providers []ModelProvider, models []Model) *Directory {
	d := &Directory{
		providers: make(map[string]ModelProvider, len(providers)),
		models:    make(map[string]Model, len(models)),
	}
	for _, p := range providers {
		d.providers[p.Name] = p
	}
	for _, m := range models {
		d.models[m.ID] = m
	}
	return d
}

// DefaultDirectory returns the built-in provider set.
func DefaultDirectory() *Directory {
	return NewDirectory(
		[]ModelProvider{
			{
				Name:           "anthropic",
				DisplayName:    "Anthropic",
				SupportsAPIKey: true,
				SupportsOAuth:  true,
				DeviceAuthURL:  "https://console.anthropic.com/oauth/device/code",
				TokenURL:       "https://console.anthropic.com/oauth/token",
				ClientID:       "workbench-cli",
				Enabled:        true,
			},
			{
				Name:           "openai",
				DisplayName:    "OpenAI",
				SupportsAPIKey: true,
				Enabled:        true,
			},
			{
				Name:           "ollama",
				DisplayName:    "Ollama",
				SupportsAPIKey: false,
				Enabled:        true,
			},
		},
		[]Model{
			{Provider: "anthropic", ID: "claude-sonnet", DisplayName: "Claude Sonnet", Enabled: true},
			{Provider: "anthropic", ID: "claude-haiku", DisplayName: "Claude Haiku", Enabled: true},
			{Provider: "openai", ID: "gpt-4o", DisplayName: "GPT-4o", Enabled: true},
			{Provider: "ollama", ID: "llama3", DisplayName: "Llama 3 (local)", Free: true, Enabled: true},
		},
	)
}

// Provider looks up an enabled provider by name.
func (d *Directory) Provider(name string) (ModelProvider, error) {
	p, ok := d.providers[name]
	if !ok || !p.Enabled {
		return ModelProvider{}, &wberrors.NotFoundError{Resource: "model provider", ID: name}
	}
	return p, nil
}

// Model looks up an enabled model by ID.
func (d *Directory) Model(id string) (Model, error) {
	m, ok := d.models[id]
	if !ok || !m.Enabled {
		return Model{}, &wberrors.NotFoundError{Resource: "model", ID: id}
	}
	return m, nil
}

// Providers lists enabled providers.
func (d *Directory) Providers() []ModelProvider {
	out := make([]ModelProvider, 0, len(d.providers))
	for _, p := range d.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Models lists enabled models.
func (d *Directory) Models() []Model {
	out := make([]Model, 0, len(d.models))
	for _, m := range d.models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}
