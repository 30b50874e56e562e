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

package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_DropOldest(t *testing.T) {
	q := New[string](2)

	assert.False(t, q.Enqueue("A"))
	assert.False(t, q.Enqueue("B"))
	assert.True(t, q.Enqueue("C"))

	assert.Equal(t, []string{"B", "C"}, q.Snapshot())
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestQueue_FlushStopsAtFirstFailure(t *testing.T) {
	q := New[string](10)
	q.Enqueue("A")
	q.Enqueue("B")
	q.Enqueue("C")

	var delivered []string
	sent, err := q.Flush(func(s string) error {
		if s == "B" {
			return errors.New("write failed")
		}
		delivered = append(delivered, s)
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"A"}, delivered)
	assert.Equal(t, []string{"B", "C"}, q.Snapshot())
}

func TestQueue_FlushAll(t *testing.T) {
	q := New[int](5)
	for i := 1; i <= 4; i++ {
		q.Enqueue(i)
	}

	var delivered []int
	sent, err := q.Flush(func(i int) error {
		delivered = append(delivered, i)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 4, sent)
	assert.Equal(t, []int{1, 2, 3, 4}, delivered)
	assert.True(t, q.IsEmpty())
}

func TestQueue_FlushPanicIsFailure(t *testing.T) {
	q := New[string](3)
	q.Enqueue("A")
	q.Enqueue("B")

	sent, err := q.Flush(func(s string) error {
		panic("socket gone")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket gone")
	assert.Equal(t, 0, sent)
	assert.Equal(t, []string{"A", "B"}, q.Snapshot())
}

func TestQueue_FlushEmpty(t *testing.T) {
	q := New[string](1)
	sent, err := q.Flush(func(string) error {
		t.Fatal("send must not be called")
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestQueue_CapacityNeverExceeded(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		want     int
	}{
		{name: "normal", capacity: 3, want: 3},
		{name: "zero clamps to one", capacity: 0, want: 1},
		{name: "negative clamps to one", capacity: -4, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New[int](tt.capacity)
			for i := 0; i < 10; i++ {
				q.Enqueue(i)
				assert.LessOrEqual(t, q.Size(), tt.want)
			}
			assert.Equal(t, tt.want, q.Capacity())
			snap := q.Snapshot()
			assert.Equal(t, 9, snap[len(snap)-1])
		})
	}
}
