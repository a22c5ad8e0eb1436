package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		token    *string
		endpoint *string
		data     string
	}{
		{name: "empty object", raw: `{}`},
		{name: "token only", raw: `{"token":"null"}`, token: strPtr("null")},
		{name: "endpoint with data", raw: `{"endpoint":"hello","data":5}`, endpoint: strPtr("hello"), data: `5`},
		{name: "both", raw: `{"token":"abc","endpoint":"hello"}`, token: strPtr("abc"), endpoint: strPtr("hello")},
		{name: "empty token string", raw: `{"token":""}`, token: strPtr("")},
		{name: "non-string token ignored", raw: `{"token":42,"endpoint":"x"}`, endpoint: strPtr("x")},
		{name: "non-string endpoint ignored", raw: `{"endpoint":{"name":"x"}}`},
		{name: "object data kept raw", raw: `{"endpoint":"e","data":{"a":[1,2]}}`, endpoint: strPtr("e"), data: `{"a":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.token, env.Token)
			assert.Equal(t, tt.endpoint, env.Endpoint)
			if tt.data == "" {
				assert.Nil(t, env.Data)
			} else {
				assert.JSONEq(t, tt.data, string(env.Data))
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{`{endpoint":"error"}`, ``, `null`, `5`, `"token"`, `[1,2]`} {
		t.Run(raw, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPayload))
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	out, err := Encode(TokenGrant("abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"abc"}`, string(out))

	out, err = Encode(Error(MalformedMessage))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"I received a malformed JSON"}`, string(out))

	resp, err := Response("hello", "success")
	require.NoError(t, err)
	out, err = Encode(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"hello","data":"success"}`, string(out))

	resp, err = Response("hello", nil)
	require.NoError(t, err)
	out, err = Encode(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"hello"}`, string(out))
}

func TestResponseUnencodableData(t *testing.T) {
	_, err := Response("bad", make(chan int))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	responseWithObject, err := Response("stats", map[string]any{"count": 3, "names": []string{"a", "b"}})
	require.NoError(t, err)

	cases := []Envelope{
		TokenGrant("7d1f0a3e-6c55-4d0e-9d0c-2c3c1f0d9e11"),
		Error("boom"),
		responseWithObject,
		{Endpoint: strPtr("hello"), Data: json.RawMessage(`"5"`)},
		{Token: strPtr("t"), Endpoint: strPtr("e"), Data: json.RawMessage(`null`)},
		{},
	}

	for _, env := range cases {
		raw, err := Encode(env)
		require.NoError(t, err)

		decoded, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, env, decoded, "payload %s", raw)
	}
}
