package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PPGateway/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestConnectedFrame(t *testing.T) {
	user := decode(t, ConnectedFrame("42"))
	assert.Equal(t, "connected", user["type"])
	assert.Equal(t, "42", user["userId"])
	assert.Equal(t, false, user["isGuest"])
	_, err := time.Parse(TimeLayout, user["timestamp"].(string))
	assert.NoError(t, err)

	guest := decode(t, ConnectedFrame(""))
	assert.Equal(t, true, guest["isGuest"])
	_, has := guest["userId"]
	assert.False(t, has)
}

func TestResponseAndFailureFrames(t *testing.T) {
	ok := decode(t, ResponseFrame("start_charging", json.RawMessage(`{"success":true,"sessionId":"s1"}`)))
	assert.Equal(t, "response", ok["type"])
	assert.Equal(t, "start_charging", ok["action"])
	assert.Equal(t, map[string]any{"success": true, "sessionId": "s1"}, ok["data"])

	fail := decode(t, FailureFrame("stop_charging", errs.ErrBackendUnavailable.WrapMsg("dial tcp")))
	assert.Equal(t, "stop_charging", fail["action"])
	assert.Equal(t, map[string]any{"success": false, "error": "Backend unavailable"}, fail["data"])

	plain := decode(t, FailureFrame("x", errors.New("boom")))
	assert.Equal(t, "boom", plain["data"].(map[string]any)["error"])
}

func TestPushFrame(t *testing.T) {
	withTS := `{"type":"charger_update","timestamp":"2024-01-01T00:00:00.000Z"}`
	assert.JSONEq(t, withTS, string(PushFrame([]byte(withTS))))

	added := decode(t, PushFrame([]byte(`{"type":"charger_update","id":7}`)))
	assert.Equal(t, "charger_update", added["type"])
	assert.Equal(t, float64(7), added["id"])
	assert.NotEmpty(t, added["timestamp"])

	arr := decode(t, PushFrame([]byte(`[1,2]`)))
	assert.Equal(t, "message", arr["type"])
	assert.Equal(t, []any{float64(1), float64(2)}, arr["data"])

	text := decode(t, PushFrame([]byte("not json")))
	assert.Equal(t, "message", text["type"])
	assert.Equal(t, "not json", text["data"])
}

func TestParseInbound(t *testing.T) {
	in, err := ParseInbound([]byte(`{"action":"start_charging","data":{"chargerId":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "start_charging", in.Action)
	assert.JSONEq(t, `{"chargerId":"c1"}`, string(in.Data))

	in, err = ParseInbound([]byte(`{"action":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(in.Data))

	_, err = ParseInbound([]byte(`{"action":`))
	assert.ErrorIs(t, err, errs.ErrMalformedFrame)
	_, err = ParseInbound([]byte(`"start_charging"`))
	assert.ErrorIs(t, err, errs.ErrMalformedFrame)
	_, err = ParseInbound([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, errs.ErrMissingAction)
}
