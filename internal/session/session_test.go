package session

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int
	id    models.Identity
	err   error
}

func (p *countingProvider) CurrentIdentity(context.Context) (models.Identity, error) {
	p.calls++
	return p.id, p.err
}

func TestCurrentIdentityCaches(t *testing.T) {
	p := &countingProvider{id: models.Identity{ID: "u1", DisplayName: "alice"}}
	s := New(p)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := s.CurrentIdentity(ctx)
		require.NoError(t, err)
		assert.Equal(t, "u1", id.ID)
	}
	assert.Equal(t, 1, p.calls)
}

func TestNotAuthenticated(t *testing.T) {
	p := &countingProvider{err: apperr.ErrNotAuthenticated}
	s := New(p)

	_, err := s.CurrentIdentity(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	_, err = s.CurrentIdentity(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Equal(t, 1, p.calls)
	assert.False(t, s.Current().Authenticated)
}

func TestRemoteFailureIsNotCached(t *testing.T) {
	p := &countingProvider{err: apperr.Remote("me", errors.New("dial tcp: refused"))}
	s := New(p)

	_, err := s.CurrentIdentity(context.Background())
	assert.ErrorIs(t, err, apperr.ErrRemote)

	p.err = nil
	p.id = models.Identity{ID: "u1"}
	id, err := s.CurrentIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, 2, p.calls)
}

func TestSubscribe(t *testing.T) {
	s := New(identity.Static(models.Identity{ID: "u1"}))
	ch, cancel := s.Subscribe()

	s.SignIn(models.Identity{ID: "u2", DisplayName: "bob"})
	s.SignOut()

	st := <-ch
	assert.False(t, st.Authenticated, "slow reader sees only the latest status")

	s.SignOut() // unchanged, no notification
	select {
	case st := <-ch:
		t.Fatalf("unexpected notification %+v", st)
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, cancel2 := s.Subscribe()
	defer cancel2()
	assert.Equal(t, Status{}, <-ch2, "known status is replayed to new subscribers")
}
