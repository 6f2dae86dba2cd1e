package mcphttp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageID(t *testing.T) {
	type testCase struct {
		name    string
		body    string
		wantRaw string
		wantKey string
		wantErr bool
	}

	testCases := []testCase{
		{name: "string id", body: `{"id":"7","method":"ping"}`, wantRaw: `"7"`, wantKey: `"7"`},
		{name: "integer id", body: `{"id":7,"method":"ping"}`, wantRaw: `7`, wantKey: `7`},
		{name: "string and integer differ", body: `{"id":"1"}`, wantRaw: `"1"`, wantKey: `"1"`},
		{name: "escaped string", body: `{"id":"\u0061"}`, wantRaw: `"\u0061"`, wantKey: `"a"`},
		{name: "absent id", body: `{"method":"notifications/initialized"}`},
		{name: "null id", body: `{"id":null}`, wantRaw: `null`},
		{name: "fractional id", body: `{"id":1.5}`, wantRaw: `1.5`},
		{name: "object id", body: `{"id":{"a":1}}`, wantRaw: `{"a":1}`},
		{name: "batch", body: `[{"id":1}]`},
		{name: "invalid json", body: `{"id":`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			raw, key, err := messageID([]byte(tc.body))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantRaw, string(raw))
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestErrorPayload(t *testing.T) {
	bs, err := errorPayload(json.RawMessage(`"7"`), jsonRPCParseErrorCode, errMsgInvalidJSON)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"7","error":{"code":-32700,"message":"Invalid json"}}`, string(bs))

	var msg jsonRPCErrorMessage
	require.NoError(t, json.Unmarshal(bs, &msg))
	assert.EqualError(t, msg.Error, "request error, code: -32700, message: Invalid json, data map[]")

	_, err = errorPayload(json.RawMessage(`{broken`), jsonRPCInternalErrorCode, "boom")
	require.Error(t, err)
}
