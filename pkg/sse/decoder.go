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

package sse

import (
	"io"
	"iter"

	gosse "github.com/tmaxmax/go-sse"
)

// DefaultEventName is the event name of a frame without an "event:" line
const DefaultEventName = "message"

// DefaultMaxEventSize bounds the encoded size of a single event
const DefaultMaxEventSize = 64 * 1024

// Frame is one dispatched text/event-stream event
type Frame struct {
	Name string
	Data []byte
	// ID is the last event ID seen on the stream, not only on this frame
	ID string
}

// Frames yields the events of a text/event-stream body as they arrive.
// Events without data are skipped, and an event larger than maxEventSize
// ends the sequence with an error. Unless the caller stops early the
// sequence always ends with an error, io.EOF when the body ended cleanly.
func Frames(body io.Reader, maxEventSize int) iter.Seq2[*Frame, error] {
	if maxEventSize <= 0 {
		maxEventSize = DefaultMaxEventSize
	}
	cfg := &gosse.ReadConfig{MaxEventSize: maxEventSize}

	return func(yield func(*Frame, error) bool) {
		for ev, err := range gosse.Read(body, cfg) {
			if err != nil {
				yield(nil, err)
				return
			}
			if ev.Data == "" {
				continue
			}

			name := ev.Type
			if name == "" {
				name = DefaultEventName
			}
			if !yield(&Frame{Name: name, Data: []byte(ev.Data), ID: ev.LastEventID}, nil) {
				return
			}
		}
		yield(nil, io.EOF)
	}
}
