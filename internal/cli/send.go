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
	"strings"

	"github.com/wso2/api-platform/realtime/pkg/protocol"
)

// ParseSendArg parses a --send value of the form type or type=JSON into
// an outbound envelope
func ParseSendArg(arg string) (*protocol.Envelope, error) {
	msgType, payload, hasPayload := strings.Cut(arg, "=")
	msgType = strings.TrimSpace(msgType)
	if msgType == "" {
		return nil, fmt.Errorf("--send value %q has no message type", arg)
	}
	if !hasPayload || strings.TrimSpace(payload) == "" {
		return protocol.NewEnvelope(msgType, nil)
	}

	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--send value %q has an invalid JSON payload", arg)
	}
	return protocol.NewEnvelope(msgType, raw)
}
