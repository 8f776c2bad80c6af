package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/board"
	"github.com/manpreetbhatti/lattice-board/internal/clock"
	"github.com/manpreetbhatti/lattice-board/internal/config"
	"github.com/manpreetbhatti/lattice-board/internal/db"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
)

var errGone = errors.New("socket gone")

type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	code     int
	reason   string
	failSend bool
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failSend {
		return errGone
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed, s.code, s.reason = true, code, reason
	}
	return nil
}

func (s *fakeSocket) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		kinds = append(kinds, protocol.ParseKind(f))
	}
	return kinds
}

func (s *fakeSocket) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func (s *fakeSocket) closeInfo() (bool, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code, s.reason
}

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func setupTestRoom(t *testing.T, opts Options) (*Room, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	if opts.ID == "" {
		opts.ID = "r1"
	}
	if opts.Store == nil {
		opts.Store = db.NewMemoryBackend().Namespace("room/" + opts.ID)
	}
	if opts.Config == (Config{}) {
		opts.Config = Config{HotDuration: 10 * time.Minute, MaxActiveUsers: 10}
	}
	opts.Clock = clk
	opts.Log = testLogger()

	r := NewRoom(opts)
	t.Cleanup(r.Stop)
	return r, clk
}

func join(t *testing.T, r *Room, id string) (*Session, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	sess, err := r.HandleSession(context.Background(), sock, protocol.Member{ID: id, Name: "user " + id})
	require.NoError(t, err)
	return sess, sock
}

func addFrame(id, text string) []byte {
	return []byte(fmt.Sprintf(`{"kind":"add","object":{"id":%q,"kind":"text","position":{"x":1,"y":2},"text":%q}}`, id, text))
}

func TestNextTimestampStrictlyIncreases(t *testing.T) {
	r, clk := setupTestRoom(t, Options{})

	var got []int64
	require.NoError(t, r.mailbox.Do(context.Background(), func() {
		for i := 0; i < 5; i++ {
			got = append(got, r.nextTimestamp())
		}
	}))
	base := start.UnixMilli()
	assert.Equal(t, []int64{base + 1, base + 2, base + 3, base + 4, base + 5}, got)

	clk.Advance(time.Second)
	var later int64
	require.NoError(t, r.mailbox.Do(context.Background(), func() { later = r.nextTimestamp() }))
	assert.Equal(t, base+1000, later)
}

func TestConcurrentEventsGetDistinctTimestamps(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	const users, perUser = 4, 25
	sessions := make([]*Session, users)
	for i := range sessions {
		sessions[i], _ = join(t, r, fmt.Sprintf("u%d", i))
	}

	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		go func(i int, sess *Session) {
			defer wg.Done()
			for j := 0; j < perUser; j++ {
				assert.NoError(t, r.Receive(ctx, sess, addFrame(fmt.Sprintf("o-%d-%d", i, j), "x")))
			}
		}(i, sess)
	}
	wg.Wait()

	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	require.Len(t, objects, users*perUser)

	seen := make(map[int64]bool)
	for _, obj := range objects {
		assert.False(t, seen[obj.LastEditedAt], "timestamp %d reused", obj.LastEditedAt)
		seen[obj.LastEditedAt] = true
	}
}

func TestHandleSessionSendsInitFirst(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})

	_, a := join(t, r, "a")
	_, b := join(t, r, "b")

	assert.Equal(t, []string{protocol.KindInit, protocol.KindJoin}, a.kinds())
	assert.Equal(t, []string{protocol.KindInit}, b.kinds())

	var init protocol.Init
	require.NoError(t, json.Unmarshal(b.frame(0), &init))
	assert.Equal(t, "b", init.Self)
	require.Len(t, init.Members, 2)
	assert.Equal(t, "a", init.Members[0].ID)
	assert.Equal(t, "b", init.Members[1].ID)
	assert.Empty(t, init.Objects)

	var joined protocol.Join
	require.NoError(t, json.Unmarshal(a.frame(1), &joined))
	assert.Equal(t, "b", joined.User.ID)
}

func TestInitCarriesExistingObjects(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hello")))

	_, b := join(t, r, "b")
	var init protocol.Init
	require.NoError(t, json.Unmarshal(b.frame(0), &init))
	require.Contains(t, init.Objects, "o1")
	assert.Equal(t, "hello", init.Objects["o1"].Text.Text)
	assert.Equal(t, "a", init.Objects["o1"].LastEditedBy)
}

func TestDuplicateSessionIsEvicted(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	old, oldSock := join(t, r, "a")
	_, other := join(t, r, "b")
	_, newSock := join(t, r, "a")

	closed, code, reason := oldSock.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseGoingAway, code)
	assert.Equal(t, protocol.ReasonDuplicatedSelf, reason)

	// b saw a leave and come back.
	assert.Equal(t, []string{protocol.KindInit, protocol.KindQuit, protocol.KindJoin}, other.kinds())
	assert.Equal(t, []string{protocol.KindInit}, newSock.kinds())

	members, err := r.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// The evicted session's late close must not announce another quit.
	require.NoError(t, r.Leave(ctx, old))
	assert.Len(t, other.kinds(), 3)
}

func TestOccupancyCap(t *testing.T) {
	r, _ := setupTestRoom(t, Options{Config: Config{HotDuration: time.Minute, MaxActiveUsers: 2}})
	ctx := context.Background()

	join(t, r, "a")
	join(t, r, "b")

	ok, err := r.CanStart(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.CanStart(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok, "reconnects are always allowed")

	_, err = r.HandleSession(ctx, &fakeSocket{}, protocol.Member{ID: "c"})
	assert.ErrorIs(t, err, ErrRoomFull)

	_, sock := join(t, r, "a")
	assert.Equal(t, []string{protocol.KindInit}, sock.kinds())
}

func TestAddIsDeliveredToOthersOnly(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, a := join(t, r, "a")
	_, b := join(t, r, "b")

	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hi")))

	assert.Equal(t, []string{protocol.KindInit, protocol.KindJoin}, a.kinds())
	require.Equal(t, []string{protocol.KindInit, board.ResponseUpsert}, b.kinds())

	var upsert board.Response
	require.NoError(t, json.Unmarshal(b.frame(1), &upsert))
	assert.Equal(t, "o1", upsert.Object.ID)
	assert.Equal(t, "a", upsert.Object.LastEditedBy)
	assert.Equal(t, start.UnixMilli()+1, upsert.Object.LastEditedAt)
}

func TestConflictingAddIsSilent(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	sb, b := join(t, r, "b")

	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "first")))
	require.NoError(t, r.Receive(ctx, sb, addFrame("o1", "second")))

	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", objects["o1"].Text.Text)

	closed, _, _ := b.closeInfo()
	assert.False(t, closed)
}

func TestInvalidFrameClosesSession(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, a := join(t, r, "a")
	_, b := join(t, r, "b")

	require.NoError(t, r.Receive(ctx, sa, []byte(`{"kind":"rename"}`)))

	closed, code, reason := a.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseInvalidData, code)
	assert.Equal(t, protocol.ReasonInvalidData, reason)
	assert.Equal(t, []string{protocol.KindInit, protocol.KindQuit}, b.kinds())

	// Frames after the close are ignored.
	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "late")))
	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestInvalidPatchClosesSession(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, a := join(t, r, "a")
	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hi")))
	require.NoError(t, r.Receive(ctx, sa, []byte(`{"kind":"patch","id":"o1","key":"lastEditedBy","value":{"old":"a","new":"b"}}`)))

	closed, code, _ := a.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseInvalidData, code)
}

type brokenStore struct{ db.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestStorageFailureClosesUnexpected(t *testing.T) {
	r, _ := setupTestRoom(t, Options{Store: brokenStore{db.NewMemoryBackend().Namespace("x")}})

	sa, a := join(t, r, "a")
	require.NoError(t, r.Receive(context.Background(), sa, addFrame("o1", "hi")))

	closed, code, reason := a.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseUnexpected, code)
	assert.Equal(t, protocol.ReasonUnexpected, reason)
}

func TestBroadcastDropsZombies(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	_, b := join(t, r, "b")
	_, c := join(t, r, "c")

	c.mu.Lock()
	c.failSend = true
	c.mu.Unlock()

	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hi")))

	// b: init, join(c), upsert, quit(c)
	assert.Equal(t, []string{protocol.KindInit, protocol.KindJoin, board.ResponseUpsert, protocol.KindQuit}, b.kinds())
	var quit protocol.Quit
	require.NoError(t, json.Unmarshal(b.frame(3), &quit))
	assert.Equal(t, "c", quit.ID)

	closed, _, _ := c.closeInfo()
	assert.True(t, closed)

	members, err := r.Members(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestLeaveBroadcastsQuit(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	_, b := join(t, r, "b")

	require.NoError(t, r.Leave(ctx, sa))
	require.NoError(t, r.Leave(ctx, sa))

	assert.Equal(t, []string{protocol.KindInit, protocol.KindQuit}, b.kinds())

	idle, err := r.Idle(ctx)
	require.NoError(t, err)
	assert.False(t, idle)
}

func TestCooldown(t *testing.T) {
	r, clk := setupTestRoom(t, Options{Config: Config{HotDuration: time.Minute, MaxActiveUsers: 10}})
	ctx := context.Background()

	_, a := join(t, r, "a")

	clk.Advance(30 * time.Second)
	cold, err := r.Cooldown(ctx)
	require.NoError(t, err)
	assert.False(t, cold)

	clk.Advance(31 * time.Second)
	cold, err = r.Cooldown(ctx)
	require.NoError(t, err)
	assert.True(t, cold)

	closed, code, reason := a.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseGoingAway, code)
	assert.Equal(t, protocol.ReasonNoRecentActivity, reason)

	idle, err := r.Idle(ctx)
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestEventsKeepRoomHot(t *testing.T) {
	r, clk := setupTestRoom(t, Options{Config: Config{HotDuration: time.Minute, MaxActiveUsers: 10}})
	ctx := context.Background()

	sa, a := join(t, r, "a")
	clk.Advance(50 * time.Second)
	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hi")))
	clk.Advance(50 * time.Second)

	cold, err := r.Cooldown(ctx)
	require.NoError(t, err)
	assert.False(t, cold)
	closed, _, _ := a.closeInfo()
	assert.False(t, closed)
}

func TestDeactivateAndDelete(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	sa, a := join(t, r, "a")
	_, b := join(t, r, "b")
	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "hi")))

	require.NoError(t, r.Deactivate(ctx))
	for _, sock := range []*fakeSocket{a, b} {
		closed, code, reason := sock.closeInfo()
		assert.True(t, closed)
		assert.Equal(t, protocol.CloseGoingAway, code)
		assert.Equal(t, protocol.ReasonRoomGotInactive, reason)
	}

	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 1, "deactivation keeps objects")

	require.NoError(t, r.Delete(ctx))
	objects, err = r.Objects(ctx)
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestUpdateConfig(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	ctx := context.Background()

	users := 1
	cfg, err := r.UpdateConfig(ctx, config.TunablesPatch{MaxActiveUsers: &users})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxActiveUsers)
	assert.Equal(t, 10*time.Minute, cfg.HotDuration)

	join(t, r, "a")
	_, err = r.HandleSession(ctx, &fakeSocket{}, protocol.Member{ID: "b"})
	assert.ErrorIs(t, err, ErrRoomFull)

	negative := int64(-5)
	_, err = r.UpdateConfig(ctx, config.TunablesPatch{HotDuration: &negative})
	assert.ErrorIs(t, err, config.ErrInvalidTunables)
}

func TestRateLimitedEventsAreDropped(t *testing.T) {
	clk := clock.NewFake(start)
	limiters := ratelimit.NewRegistry(clk, ratelimit.Options{Increment: time.Second}, testLogger())
	t.Cleanup(limiters.Stop)

	r := NewRoom(Options{
		ID:       "r1",
		Store:    db.NewMemoryBackend().Namespace("room/r1"),
		Clock:    clk,
		Log:      testLogger(),
		Config:   Config{HotDuration: time.Minute, MaxActiveUsers: 10},
		Limiters: limiters,
	})
	t.Cleanup(r.Stop)
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	_, b := join(t, r, "b")

	require.NoError(t, r.Receive(ctx, sa, addFrame("o1", "one")))
	require.Eventually(t, sa.limiter.InCooldown, time.Second, time.Millisecond)
	require.NoError(t, r.Receive(ctx, sa, addFrame("o2", "two")))

	assert.Equal(t, []string{protocol.KindInit, board.ResponseUpsert}, b.kinds())

	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestBurstWithinGraceIsKept(t *testing.T) {
	limiters := ratelimit.NewRegistry(clock.Real(), ratelimit.DefaultOptions(), testLogger())
	t.Cleanup(limiters.Stop)

	r := NewRoom(Options{
		ID:       "r1",
		Store:    db.NewMemoryBackend().Namespace("room/r1"),
		Clock:    clock.Real(),
		Log:      testLogger(),
		Config:   Config{HotDuration: time.Minute, MaxActiveUsers: 10},
		Limiters: limiters,
	})
	t.Cleanup(r.Stop)
	ctx := context.Background()

	sa, _ := join(t, r, "a")
	_, b := join(t, r, "b")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Receive(ctx, sa, addFrame(fmt.Sprintf("o%d", i), "burst")))
	}

	objects, err := r.Objects(ctx)
	require.NoError(t, err)
	assert.Len(t, objects, 5)
	assert.Len(t, b.kinds(), 6)
}

func TestStoppedRoomRejectsWork(t *testing.T) {
	r, _ := setupTestRoom(t, Options{})
	r.Stop()
	<-r.mailbox.Done()

	_, err := r.HandleSession(context.Background(), &fakeSocket{}, protocol.Member{ID: "a"})
	assert.Error(t, err)
}
