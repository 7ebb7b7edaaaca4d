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

package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tombee/workbench/internal/jq"
)

// WriteJSON prints v as JSON to stdout, first running it through the --jq
// transform when one was given. Values pass through a marshal/unmarshal
// round trip so the transform sees plain maps, matching what jq users
// expect.
func WriteJSON(v any) error {
	if expr := JQExpression(); expr != "" {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		var plain any
		if err := json.Unmarshal(data, &plain); err != nil {
			return fmt.Errorf("failed to prepare output for jq: %w", err)
		}
		transformed, err := jq.New().Apply(context.Background(), expr, plain)
		if err != nil {
			return fmt.Errorf("jq: %w", err)
		}
		v = transformed
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Truncate shortens a string for fixed-width table columns.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
