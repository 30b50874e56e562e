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

package outbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	return s, path
}

func mustEnvelope(t *testing.T, msgType string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestStore_SaveLoadPreservesOrder(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	entries := []*protocol.Envelope{
		mustEnvelope(t, "chat", map[string]any{"text": "one"}),
		mustEnvelope(t, "chat", map[string]any{"text": "two"}),
		mustEnvelope(t, "answer.submit", map[string]any{"question": 4}),
	}
	require.NoError(t, s.Save(ctx, "websocket", entries))

	loaded, err := s.Load(ctx, "websocket")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, "one", loaded[0].StringField("text"))
	assert.Equal(t, "two", loaded[1].StringField("text"))
	assert.Equal(t, "answer.submit", loaded[2].Type)
}

func TestStore_SaveLargeQueue(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	const total = 9000
	entries := make([]*protocol.Envelope, 0, total)
	for i := 0; i < total; i++ {
		entries = append(entries, mustEnvelope(t, "chat", map[string]any{"n": i}))
	}
	require.NoError(t, s.Save(ctx, "websocket", entries))

	loaded, err := s.Load(ctx, "websocket")
	require.NoError(t, err)
	require.Len(t, loaded, total)
	for i, env := range loaded {
		var payload struct {
			N int `json:"n"`
		}
		require.NoError(t, env.Decode(&payload))
		if !assert.Equal(t, i, payload.N, "entry %d out of order", i) {
			break
		}
	}
}

func TestStore_SaveReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "websocket", []*protocol.Envelope{mustEnvelope(t, "a", nil), mustEnvelope(t, "b", nil)}))
	require.NoError(t, s.Save(ctx, "websocket", []*protocol.Envelope{mustEnvelope(t, "c", nil)}))

	n, err := s.Count(ctx, "websocket")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Save(ctx, "websocket", nil))
	n, err = s.Count(ctx, "websocket")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_ClientsAreIsolated(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "a", []*protocol.Envelope{mustEnvelope(t, "x", nil)}))
	require.NoError(t, s.Save(ctx, "b", []*protocol.Envelope{mustEnvelope(t, "y", nil), mustEnvelope(t, "z", nil)}))

	loaded, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "x", loaded[0].Type)

	n, err := s.Count(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_SurvivesReopen(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "websocket", []*protocol.Envelope{mustEnvelope(t, "persisted", nil)}))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "websocket")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "persisted", loaded[0].Type)
}

func TestStore_SkipsCorruptRows(t *testing.T) {
	s, _ := openTestStore(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "websocket", []*protocol.Envelope{mustEnvelope(t, "good", nil)}))
	_, err := s.db.Exec(`INSERT INTO outbox (client, type, body, queued_at) VALUES ('websocket', 'bad', '{"no":"type"}', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	loaded, err := s.Load(ctx, "websocket")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "good", loaded[0].Type)
}
