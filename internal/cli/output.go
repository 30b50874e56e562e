/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// Output formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Printer writes received envelopes to w, one document per envelope
type Printer struct {
	format string

	mu sync.Mutex
	w  io.Writer
}

// NewPrinter creates a printer for format, which is json or yaml
func NewPrinter(format string, w io.Writer) (*Printer, error) {
	format = strings.ToLower(format)
	switch format {
	case FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("output format must be either 'json' or 'yaml', got: %s", format)
	}
	return &Printer{format: format, w: w}, nil
}

// Print writes env in the printer's format
func (p *Printer) Print(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == FormatJSON {
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "---\n%s", out)
	return err
}
