package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/protocol"
)

type rejectingUpgrader struct{}

func (rejectingUpgrader) Upgrade(w http.ResponseWriter, _ *http.Request) (Conn, error) {
	http.Error(w, "no", http.StatusTeapot)
	return nil, http.ErrNotSupported
}

// panickingConn blows up on the first frame the room sends it.
type panickingConn struct {
	fakeSocket
}

func (c *panickingConn) Send([]byte) error { panic("send exploded") }

func (c *panickingConn) ReadLoop(func([]byte)) {}

type fixedUpgrader struct{ conn Conn }

func (u fixedUpgrader) Upgrade(http.ResponseWriter, *http.Request) (Conn, error) {
	return u.conn, nil
}

func setupTestHandler(t *testing.T) (*Room, http.Handler) {
	t.Helper()
	r, _ := setupTestRoom(t, Options{})
	return r, NewHandler(r, rejectingUpgrader{}, testLogger())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerObjectsAndDelete(t *testing.T) {
	r, h := setupTestHandler(t)
	ctx := context.Background()

	sess, sock := join(t, r, "a")
	require.NoError(t, r.Receive(ctx, sess, addFrame("o1", "hi")))

	w := do(t, h, http.MethodGet, "/objects", "")
	require.Equal(t, http.StatusOK, w.Code)
	var objects map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &objects))
	assert.Contains(t, objects, "o1")

	w = do(t, h, http.MethodDelete, "/", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	closed, code, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseGoingAway, code)
	assert.Equal(t, protocol.ReasonRoomGotInactive, reason)

	w = do(t, h, http.MethodGet, "/objects", "")
	assert.JSONEq(t, `{}`, w.Body.String())
}

func TestHandlerConfig(t *testing.T) {
	_, h := setupTestHandler(t)

	w := do(t, h, http.MethodPatch, "/config", `{"HOT_DURATION":5000}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"HOT_DURATION":5000,"MAX_ACTIVE_USERS":10}`, w.Body.String())

	w = do(t, h, http.MethodPatch, "/config", `{"MAX_ACTIVE_USERS":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPatch, "/config", `{"SOMETHING":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerDeactivateAndCooldown(t *testing.T) {
	r, h := setupTestHandler(t)

	_, sock := join(t, r, "a")

	w := do(t, h, http.MethodPost, "/cooldown", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cold":false}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/deactivate", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	closed, _, reason := sock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.ReasonRoomGotInactive, reason)
}

func TestHandlerCooldownWhenCold(t *testing.T) {
	r, clk := setupTestRoom(t, Options{})
	h := NewHandler(r, rejectingUpgrader{}, testLogger())

	clk.Advance(11 * time.Minute)
	w := do(t, h, http.MethodPost, "/cooldown", "")
	assert.JSONEq(t, `{"cold":true}`, w.Body.String())
}

func TestHandlerStats(t *testing.T) {
	r, h := setupTestHandler(t)
	join(t, r, "a")

	w := do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "r1", st.ID)
	assert.Equal(t, 1, st.Sessions)
	assert.True(t, st.Hot)
	assert.Equal(t, []string{"a"}, st.Members)
}

func TestHandlerWebsocketRequiresUpgrade(t *testing.T) {
	_, h := setupTestHandler(t)

	w := do(t, h, http.MethodGet, "/websocket", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "expected websocket upgrade")
}

func TestHandlerWebsocketRequiresIdentity(t *testing.T) {
	_, h := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/websocket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing user identity")
}

func TestHandlerStoppedRoom(t *testing.T) {
	r, h := setupTestHandler(t)
	r.Stop()
	<-r.mailbox.Done()

	w := do(t, h, http.MethodGet, "/objects", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlerWebsocketPanicClosesSession(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	conn := &panickingConn{}
	h := NewHandler(r, fixedUpgrader{conn: conn}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/websocket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set(HeaderUserID, "a")

	assert.NotPanics(t, func() { h.ServeHTTP(httptest.NewRecorder(), req) })

	closed, code, reason := conn.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseUnexpected, code)
	assert.Equal(t, protocol.ReasonUnexpected, reason)

	// the room actor is still serving
	_, err := r.Stats(context.Background())
	assert.NoError(t, err)
}
