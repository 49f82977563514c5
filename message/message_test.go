package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantID    string
		wantField string
		checkFn   func(t *testing.T, call *Call)
	}{
		{
			name:   "request",
			raw:    `{"id":"a1","pattern":"ping","data":{},"isEvent":false}`,
			wantID: "a1",
			checkFn: func(t *testing.T, call *Call) {
				assert.Equal(t, "ping", call.Pattern)
				assert.False(t, call.Event())
				assert.JSONEq(t, `{}`, string(call.Data))
			},
		},
		{
			name:   "event",
			raw:    `{"id":"e1","pattern":"progress","data":[1,2],"isEvent":true}`,
			wantID: "e1",
			checkFn: func(t *testing.T, call *Call) {
				assert.True(t, call.Event())
			},
		},
		{
			name:   "isEvent null and data absent",
			raw:    `{"id":"n1","pattern":"ping","isEvent":null}`,
			wantID: "n1",
			checkFn: func(t *testing.T, call *Call) {
				assert.Nil(t, call.IsEvent)
				assert.False(t, call.Event())
				assert.Nil(t, call.Data)
			},
		},
		{name: "missing pattern", raw: `{"id":"p1","data":{}}`, wantErr: true, wantID: "p1", wantField: "pattern"},
		{name: "pattern not a string", raw: `{"id":"p2","pattern":12}`, wantErr: true, wantID: "p2", wantField: "pattern"},
		{name: "missing id", raw: `{"pattern":"ping"}`, wantErr: true, wantID: UnknownID, wantField: "id"},
		{name: "empty id", raw: `{"id":"","pattern":"ping"}`, wantErr: true, wantID: UnknownID, wantField: "id"},
		{name: "numeric id", raw: `{"id":42,"pattern":"ping"}`, wantErr: true, wantID: "42", wantField: "id"},
		{name: "oversized id", raw: `{"id":"` + strings.Repeat("x", MaxIDLength+1) + `","pattern":"ping"}`, wantErr: true, wantID: UnknownID, wantField: "id"},
		{name: "isEvent not boolean", raw: `{"id":"b1","pattern":"ping","isEvent":"yes"}`, wantErr: true, wantID: "b1", wantField: "isEvent"},
		{name: "not an object", raw: `[1,2,3]`, wantErr: true, wantID: UnknownID, wantField: "message"},
		{name: "not json", raw: `garbage`, wantErr: true, wantID: UnknownID, wantField: "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := Parse([]byte(tt.raw))
			if tt.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "want ValidationError, got %v", err)
				assert.Equal(t, tt.wantID, verr.ID)
				assert.Equal(t, tt.wantField, verr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, call.ID)
			if tt.checkFn != nil {
				tt.checkFn(t, call)
			}
		})
	}
}

func TestCallValidate(t *testing.T) {
	call := &Call{ID: "ok", Pattern: "ping"}
	require.NoError(t, call.Validate())

	err := (&Call{Pattern: "ping"}).Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, UnknownID, verr.ID)

	err = (&Call{ID: "x"}).Validate()
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "x", verr.ID)
	assert.Equal(t, "pattern", verr.Field)
}

func TestValidateStrictID(t *testing.T) {
	assert.NoError(t, ValidateStrictID("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Error(t, ValidateStrictID("a1"))
	assert.Error(t, ValidateStrictID(""))
}

func TestExtractID(t *testing.T) {
	assert.Equal(t, "abc", ExtractID([]byte(`{"id":"abc"}`)))
	assert.Equal(t, UnknownID, ExtractID([]byte(`{"pattern":"ping"}`)))
	assert.Equal(t, UnknownID, ExtractID([]byte(`nope`)))
}

func TestCallWireShape(t *testing.T) {
	call, err := NewCall("a1", "ping", map[string]any{})
	require.NoError(t, err)
	raw, err := json.Marshal(call)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1","pattern":"ping","data":{},"isEvent":false}`, string(raw))

	event, err := NewEvent("e1", "progress", 3)
	require.NoError(t, err)
	raw, err = json.Marshal(event)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1","pattern":"progress","data":3,"isEvent":true}`, string(raw))
}

func TestResponses(t *testing.T) {
	resp, err := Result("a1", "pong")
	require.NoError(t, err)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1","response":"pong"}`, string(raw))
	assert.False(t, resp.Failed())

	resp = NoHandler("a2")
	raw, err = json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a2","err":"NO_MESSAGE_HANDLER"}`, string(raw))
	assert.True(t, resp.Failed())

	resp = Failure("a3", errors.New("boom"))
	assert.JSONEq(t, `{"message":"boom"}`, string(resp.Err))

	resp = Failure("a4", &ErrorPayload{Message: "bad page", Detail: map[string]int{"status": 404}})
	assert.JSONEq(t, `{"message":"bad page","detail":{"status":404}}`, string(resp.Err))

	var decoded Response
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a5","response":null,"err":null}`), &decoded))
	assert.False(t, decoded.Failed())
	assert.False(t, Present(decoded.Response))
}

func TestStartResult(t *testing.T) {
	ok, err := NewControl(TypeServerStartResponse, StartServerOK)
	require.NoError(t, err)
	assert.NoError(t, StartResult(ok))

	dup, err := NewControl(TypeServerStartResponse, StartError{Error: ServerAlreadyRunning})
	require.NoError(t, err)
	assert.NoError(t, StartResult(dup))
	assert.True(t, AlreadyRunning(dup))
	assert.False(t, AlreadyRunning(ok))

	failed, err := NewControl(TypeServerStartResponse, StartError{Error: "EACCES"})
	require.NoError(t, err)
	assert.ErrorContains(t, StartResult(failed), "EACCES")

	wrong, err := NewControl(TypeStartServer, StartServer{Port: 1})
	require.NoError(t, err)
	assert.Error(t, StartResult(wrong))
}
