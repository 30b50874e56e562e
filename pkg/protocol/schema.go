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

package protocol

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator checks inbound wire messages against a JSON schema
// before they are parsed into envelopes.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a JSON schema document
func NewSchemaValidator(schemaJSON []byte) (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile envelope schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// NewSchemaValidatorFromFile compiles the JSON schema stored at path
func NewSchemaValidatorFromFile(path string) (*SchemaValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope schema: %w", err)
	}
	return NewSchemaValidator(data)
}

// Validate returns a *ParseError describing every violation, or nil
func (v *SchemaValidator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ParseError{Raw: data, Err: err}
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := strings.TrimPrefix(re.Field(), "(root).")
		msgs = append(msgs, fmt.Sprintf("%s: %s", field, re.Description()))
	}
	return &ParseError{Raw: data, Err: fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))}
}

// ParseWith validates data when v is non-nil and then parses it
func ParseWith(v *SchemaValidator, data []byte) (*Envelope, error) {
	if v != nil {
		if err := v.Validate(data); err != nil {
			return nil, err
		}
	}
	return Parse(data)
}
