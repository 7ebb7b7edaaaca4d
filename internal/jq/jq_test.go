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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "identity on empty expression",
			expression: "",
			data:       map[string]any{"a": float64(1)},
			want:       map[string]any{"a": float64(1)},
		},
		{
			name:       "field selection",
			expression: ".name",
			data:       map[string]any{"name": "dev-box", "status": "running"},
			want:       "dev-box",
		},
		{
			name:       "multiple results become a slice",
			expression: ".items[].id",
			data: map[string]any{"items": []any{
				map[string]any{"id": "a"},
				map[string]any{"id": "b"},
			}},
			want: []any{"a", "b"},
		},
		{
			name:       "no results",
			expression: ".items[]",
			data:       map[string]any{"items": []any{}},
			want:       nil,
		},
		{
			name:       "parse error",
			expression: ".[invalid",
			data:       map[string]any{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New().Apply(context.Background(), tt.expression, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(""))
	assert.NoError(t, Validate(".workspaces | length"))
	assert.Error(t, Validate(".[bad"))
}
