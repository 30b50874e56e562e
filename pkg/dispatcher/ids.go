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

package dispatcher

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces identifiers for dispatched and outbound messages.
// Each dispatcher owns its generator; there is no shared global counter.
type IDGenerator interface {
	NextID() string
}

// UUIDGenerator issues random UUIDv4 identifiers
type UUIDGenerator struct{}

// NextID returns a new UUID string
func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}

// CounterGenerator issues monotonically increasing identifiers with a prefix
type CounterGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewCounterGenerator creates a counter-based generator
func NewCounterGenerator(prefix string) *CounterGenerator {
	return &CounterGenerator{prefix: prefix}
}

// NextID returns prefix-N where N starts at 1
func (g *CounterGenerator) NextID() string {
	n := g.next.Add(1)
	if g.prefix == "" {
		return strconv.FormatUint(n, 10)
	}
	return fmt.Sprintf("%s-%d", g.prefix, n)
}
