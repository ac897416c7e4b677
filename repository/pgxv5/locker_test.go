package pgxv5

import (
	"context"
	"errors"
	"testing"

	"github.com/3rs4lg4d0/ticketflow/test"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdvisoryLocker(t *testing.T) {
	assert.Panics(t, func() {
		NewAdvisoryLocker(nil, 42)
	})
	assert.NotPanics(t, func() {
		NewAdvisoryLocker(pool, 42)
	})
}

func TestAdvisoryLocker(t *testing.T) {
	ctx := context.Background()
	first := NewAdvisoryLocker(pool, 4242)
	second := NewAdvisoryLocker(pool, 4242)
	other := NewAdvisoryLocker(pool, 4343)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// not reentrant
	ok, err = first.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, first.Unlock(ctx))
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))

	assert.EqualError(t, second.Unlock(ctx), "advisory lock 4242 is not held")
}

// fakeSession is a sessionConn whose statements return the configured
// results in order.
type fakeSession struct {
	results   []fakeRow
	released  int
	destroyed int
}

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.value
	return nil
}

func (s *fakeSession) QueryRow(_ context.Context, _ string, _ ...interface{}) pgx.Row {
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *fakeSession) Release() {
	s.released++
}

func (s *fakeSession) Destroy(_ context.Context) error {
	s.destroyed++
	return errors.New("already closed")
}

func TestAdvisoryLockerErrors(t *testing.T) {
	type args struct {
		acquireErr error
		results    []fakeRow
	}
	testcases := []struct {
		name          string
		args          args
		wantLock      bool
		wantErrMsg    string
		wantUnlockMsg string
		wantReleased  int
		wantDestroyed int
	}{
		{
			name: "no connection available",
			args: args{
				acquireErr: errors.New("pool exhausted"),
			},
			wantErrMsg: "acquiring a connection for the advisory lock: pool exhausted",
		},
		{
			name: "lock statement fails",
			args: args{
				results: []fakeRow{{err: errors.New("error#1")}},
			},
			wantErrMsg:   "error#1",
			wantReleased: 1,
		},
		{
			name: "lock denied",
			args: args{
				results: []fakeRow{{value: false}},
			},
			wantReleased: 1,
		},
		{
			name: "unlock statement fails",
			args: args{
				results: []fakeRow{{value: true}, {err: errors.New("error#2")}},
			},
			wantLock:      true,
			wantUnlockMsg: "releasing advisory lock 7: error#2",
			wantDestroyed: 1,
		},
		{
			name: "unlock of a lock the session lost",
			args: args{
				results: []fakeRow{{value: true}, {value: false}},
			},
			wantLock:     true,
			wantReleased: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			session := &fakeSession{results: tc.args.results}
			logger := &test.TestLogger{}
			locker := &AdvisoryLocker{
				key: 7,
				acquire: func(context.Context) (sessionConn, error) {
					if tc.args.acquireErr != nil {
						return nil, tc.args.acquireErr
					}
					return session, nil
				},
			}
			locker.SetLogger(logger)

			ok, err := locker.TryLock(ctx)
			assert.Equal(t, tc.wantLock, ok)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
			} else {
				assert.NoError(t, err)
			}
			if ok {
				err = locker.Unlock(ctx)
				if tc.wantUnlockMsg != "" {
					assert.EqualError(t, err, tc.wantUnlockMsg)
				} else {
					assert.NoError(t, err)
				}
				// the lock is forgotten either way
				assert.Nil(t, locker.held)
			}
			assert.Equal(t, tc.wantReleased, session.released)
			assert.Equal(t, tc.wantDestroyed, session.destroyed)
		})
	}
}
