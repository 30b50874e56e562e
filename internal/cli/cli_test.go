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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime/pkg/credentials"
	"github.com/wso2/api-platform/realtime/pkg/protocol"
	"gotest.tools/v3/fs"
)

func TestParseSendArg(t *testing.T) {
	tests := []struct {
		name     string
		arg     string
		wantType string
		wantJSON string
		wantErr  bool
	}{
		{name: "type only", arg: "hello", wantType: "hello", wantJSON: `{"type":"hello"}`},
		{name: "object payload", arg: `chat={"text":"hi"}`, wantType: "chat", wantJSON: `{"type":"chat","text":"hi"}`},
		{name: "scalar payload", arg: `count=3`, wantType: "count", wantJSON: `{"type":"count","data":3}`},
		{name: "empty payload", arg: "ping=", wantType: "ping", wantJSON: `{"type":"ping"}`},
		{name: "missing type", arg: `={"a":1}`, wantErr: true},
		{name: "invalid json", arg: `chat={oops`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseSendArg(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, env.Type)

			data, err := env.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantJSON, string(data))
		})
	}
}

func TestPrinter(t *testing.T) {
	env, err := protocol.NewEnvelope("score.updated", map[string]any{"home": 2})
	require.NoError(t, err)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		p, err := NewPrinter("JSON", &buf)
		require.NoError(t, err)
		require.NoError(t, p.Print(env))
		assert.JSONEq(t, `{"type":"score.updated","home":2}`, buf.String())
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		p, err := NewPrinter("yaml", &buf)
		require.NoError(t, err)
		require.NoError(t, p.Print(env))
		assert.Equal(t, "---\nhome: 2\ntype: score.updated\n", buf.String())
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := NewPrinter("xml", &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestBootstrap_Defaults(t *testing.T) {
	rt, err := Bootstrap("")
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Credentials)
	assert.NotNil(t, rt.Refresh)
	assert.Nil(t, rt.Validator)

	store, err := rt.Outbox()
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestBootstrap_FromFile(t *testing.T) {
	dir := fs.NewDir(t, "rtclient",
		fs.WithFile("token", "first-token\n"),
		fs.WithFile("envelope.schema.json", `{"type":"object","required":["type"]}`),
	)
	configFile := fs.NewFile(t, "rtclient-config", fs.WithContent(`
[logging]
level = "warn"

[credentials]
token_file = "`+dir.Join("token")+`"

[schema]
envelope_schema_file = "`+dir.Join("envelope.schema.json")+`"

[outbox]
enabled = true
path = "`+dir.Join("outbox.db")+`"
`))

	rt, err := Bootstrap(configFile.Path())
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Credentials)
	token, err := rt.Credentials.Token()
	require.NoError(t, err)
	assert.Equal(t, "first-token", token)
	assert.NotNil(t, rt.Validator)

	store, err := rt.Outbox()
	require.NoError(t, err)
	require.NotNil(t, store)
	again, err := rt.Outbox()
	require.NoError(t, err)
	assert.Same(t, store, again)

	fired := make(chan struct{}, 1)
	sub := rt.Refresh.Subscribe(func() { fired <- struct{}{} })
	defer sub.Cancel()

	rt.RefreshCredentials()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("refresh notification not delivered")
	}
}

func TestBootstrap_InvalidConfig(t *testing.T) {
	configFile := fs.NewFile(t, "rtclient-config", fs.WithContent(`
[backoff]
base_delay = "0s"
`))
	_, err := Bootstrap(configFile.Path())
	assert.Error(t, err)
}

func TestBootstrap_StaticToken(t *testing.T) {
	t.Setenv("RT_TOKEN", "env-token")

	rt, err := Bootstrap("")
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, credentials.StaticSource("env-token"), rt.Credentials)
}

func TestWaitForShutdown_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, WaitForShutdown(ctx, nil))
}
