package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/clock"
	"geoattend/internal/keylock"
	"geoattend/internal/model"
	"geoattend/internal/store"
	"geoattend/internal/verrors"
)

var (
	instructor = model.Identity{UserID: "inst-1", Role: model.RoleInstructor}
	anchor     = &model.Location{Lat: 12.97, Lng: 77.59}
)

func newRegistry(t *testing.T) (*Registry, *clock.FakeClock, store.Store) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	r := NewRegistry(st, keylock.NewKeyedMutex(), clk, nil, DefaultRotationInterval)
	t.Cleanup(r.Close)
	return r, clk, st
}

func TestStartSessionIssuesFirstToken(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)

	assert.True(t, s.Active)
	assert.Nil(t, s.EndTime)
	assert.Equal(t, *anchor, s.Location)
	assert.Len(t, s.Token, 12)
	assert.Equal(t, clk.Now().UnixMilli(), s.TokenIssuedAt)
	assert.True(t, r.Rotator().Running(s.ID))

	payload, _, err := r.CurrentPayload(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "SECURE:"+s.ID+":"+strconv.FormatInt(s.TokenIssuedAt, 10)+":"+s.Token, payload)
}

func TestStartSessionRequiresInstructorAndLocation(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, model.Identity{UserID: "stu", Role: model.RoleStudent}, "Physics", anchor)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = r.StartSession(ctx, instructor, "Physics", nil)
	assert.ErrorIs(t, err, ErrNoLocation)

	all, err := r.AllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStartSessionEndsPreviousSession(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	first, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)
	clk.Set(clk.Now().Add(time.Minute))
	second, err := r.StartSession(ctx, instructor, "Chemistry", anchor)
	require.NoError(t, err)

	old, err := r.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.False(t, old.Active)
	require.NotNil(t, old.EndTime)
	assert.True(t, old.EndTime.Equal(second.StartTime))
	assert.False(t, r.Rotator().Running(first.ID))

	active, err := r.ActiveSessionFor(ctx, instructor.UserID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	listed, err := r.SessionsFor(ctx, instructor.UserID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID, "newest first")
}

// tokenFailStore refuses token writes once failTokens is set.
type tokenFailStore struct {
	store.Store
	mu         sync.Mutex
	failTokens bool
}

func (s *tokenFailStore) UpdateFields(ctx context.Context, collection, id string, partial store.Doc) error {
	s.mu.Lock()
	fail := s.failTokens
	s.mu.Unlock()
	if _, ok := partial["token"]; ok && fail {
		return errors.New("token write refused")
	}
	return s.Store.UpdateFields(ctx, collection, id, partial)
}

func TestStartSessionRemovesSessionWhenFirstTokenFails(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := &tokenFailStore{Store: store.NewMemory()}
	r := NewRegistry(st, keylock.NewKeyedMutex(), clk, nil, DefaultRotationInterval)
	t.Cleanup(r.Close)
	ctx := context.Background()

	first, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)

	st.mu.Lock()
	st.failTokens = true
	st.mu.Unlock()
	_, err = r.StartSession(ctx, instructor, "Chemistry", anchor)
	require.Error(t, err)

	active, err := r.ActiveSessionFor(ctx, instructor.UserID)
	require.NoError(t, err)
	assert.Nil(t, active, "no active session is left without a token")

	listed, err := r.SessionsFor(ctx, instructor.UserID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.False(t, listed[0].Active)
}

func TestConcurrentStartsLeaveOneActive(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.StartSession(ctx, instructor, "Subject "+strconv.Itoa(i), anchor)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := r.SessionsFor(ctx, instructor.UserID)
	require.NoError(t, err)
	require.Len(t, all, 8)
	active := 0
	for _, s := range all {
		if s.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestRotationCadence(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)
	clk.WaitForTickers(1)

	clk.Advance(DefaultRotationInterval - time.Millisecond)
	same, err := r.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Token, same.Token)

	clk.Advance(time.Millisecond)
	assert.Eventually(t, func() bool {
		cur, err := r.GetSession(ctx, s.ID)
		return err == nil && cur.Token != s.Token
	}, time.Second, 5*time.Millisecond)

	cur, err := r.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), cur.TokenIssuedAt)
}

func TestEndSessionStopsRotation(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)
	clk.WaitForTickers(1)

	ended, err := r.EndSession(ctx, instructor, s.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)
	require.NotNil(t, ended.EndTime)
	assert.False(t, r.Rotator().Running(s.ID))

	assert.Eventually(t, func() bool { return clk.LiveTickers() == 0 }, time.Second, 5*time.Millisecond)
	clk.Advance(3 * DefaultRotationInterval)

	after, err := r.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Token, after.Token)

	// a rotation that raced the end finds the session inactive
	assert.ErrorIs(t, r.rotate(ctx, s.ID), errInactive)

	_, _, err = r.CurrentPayload(ctx, s.ID)
	assert.Equal(t, verrors.ReasonSessionEnded, verrors.ReasonOf(err))
}

func TestEndSessionIsIdempotent(t *testing.T) {
	r, clk, _ := newRegistry(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)
	first, err := r.EndSession(ctx, instructor, s.ID)
	require.NoError(t, err)

	clk.Set(clk.Now().Add(time.Hour))
	second, err := r.EndSession(ctx, instructor, s.ID)
	require.NoError(t, err)
	assert.True(t, first.EndTime.Equal(*second.EndTime))
}

func TestEndSessionChecksOwnerAndExistence(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.EndSession(ctx, instructor, "missing")
	assert.Equal(t, verrors.KindSession, verrors.KindOf(err))
	assert.Equal(t, verrors.ReasonSessionNotFound, verrors.ReasonOf(err))

	s, err := r.StartSession(ctx, instructor, "Physics", anchor)
	require.NoError(t, err)
	_, err = r.EndSession(ctx, model.Identity{UserID: "inst-2", Role: model.RoleInstructor}, s.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = r.EndSession(ctx, model.Identity{UserID: "root", Role: model.RoleAdmin}, s.ID)
	assert.NoError(t, err)
}

func TestResumeRestartsFreshActiveSessions(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	ctx := context.Background()

	for id, started := range map[string]time.Time{
		"fresh": clk.Now().Add(-10 * time.Minute),
		"stale": clk.Now().Add(-2 * time.Hour),
	} {
		doc, err := store.Encode(model.Session{ID: id, InstructorID: "i-" + id, Subject: "Maths", StartTime: started, Active: true})
		require.NoError(t, err)
		require.NoError(t, st.CreateOrReplace(ctx, store.Sessions, id, doc))
	}

	r := NewRegistry(st, keylock.NewKeyedMutex(), clk, nil, DefaultRotationInterval)
	defer r.Close()

	n, err := r.Resume(ctx, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.Rotator().Running("fresh"))
	assert.False(t, r.Rotator().Running("stale"))

	fresh, err := r.GetSession(ctx, "fresh")
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.Token)
}

func TestPayloadFormat(t *testing.T) {
	p := Payload(model.Session{ID: "S1", Token: "T1", TokenIssuedAt: 0})
	assert.Equal(t, "SECURE:S1:0:T1", p)
	assert.Len(t, strings.Split(p, ":"), 4)
}
