//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rollcall/internal/session"
	"rollcall/internal/session/store"
	"rollcall/pkg/platform/sentinel"
	"rollcall/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite

	redis *containers.RedisContainer
	store *store.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = store.NewRedis(s.redis.Client, time.Hour)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestSaveAndFindRoundTrip() {
	ctx := context.Background()
	sess := makeSession("482913", "mentor-1")
	s.Require().NoError(s.store.Save(ctx, sess))

	got, err := s.store.FindByCode(ctx, "482913")
	s.Require().NoError(err)
	s.Equal(sess.ID, got.ID)
	s.Equal(sess.Code, got.Code)
	s.Equal(sess.Roster, got.Roster)
	s.True(sess.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.store.FindByCode(ctx, "000000")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestSaveRejectsTakenCode() {
	ctx := context.Background()
	first := makeSession("482913", "mentor-1")
	s.Require().NoError(s.store.Save(ctx, first))

	err := s.store.Save(ctx, makeSession("482913", "mentor-2"))
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	got, err := s.store.FindByCode(ctx, "482913")
	s.Require().NoError(err)
	s.Equal(first.ID, got.ID)
}

func (s *RedisStoreSuite) TestFindOverdueActive() {
	ctx := context.Background()
	overdue := makeSession("111111", "mentor-1")
	live := makeSession("222222", "mentor-2")
	live.ExpiresAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	finished := makeSession("333333", "mentor-3")
	finished.Status = session.StatusExpired
	for _, sess := range []*session.Session{overdue, live, finished} {
		s.Require().NoError(s.store.Save(ctx, sess))
	}

	codes, err := s.store.FindOverdueActive(ctx, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal([]string{"111111"}, codes)
}

func (s *RedisStoreSuite) TestOwnerIndexBacksDuplicateGuard() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, makeSession("482913", "mentor-1")))

	got, err := s.store.FindActiveByOwnerDay(ctx, "mentor-1", "python", "2026-03-10")
	s.Require().NoError(err)
	s.Equal("482913", got.Code)

	_, err = s.store.FindActiveByOwnerDay(ctx, "mentor-1", "golang", "2026-03-10")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestUpdateStatusCASAndIndexRelease() {
	ctx := context.Background()
	s.Require().NoError(s.store.Save(ctx, makeSession("482913", "mentor-1")))

	s.Require().NoError(s.store.UpdateStatus(ctx, "482913", session.StatusActive, session.StatusExpired))
	err := s.store.UpdateStatus(ctx, "482913", session.StatusActive, session.StatusExpired)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	// Leaving Active frees the (owner, scope, day) slot.
	_, err = s.store.FindActiveByOwnerDay(ctx, "mentor-1", "python", "2026-03-10")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.UpdateStatus(ctx, "482913", session.StatusExpired, session.StatusReportSent))
}

func (s *RedisStoreSuite) TestDeleteExpiredBefore() {
	ctx := context.Background()
	old := makeSession("111111", "mentor-1")
	old.Status = session.StatusReportSent
	old.ExpiresAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	live := makeSession("222222", "mentor-2")
	for _, sess := range []*session.Session{old, live} {
		s.Require().NoError(s.store.Save(ctx, sess))
	}

	removed, err := s.store.DeleteExpiredBefore(ctx, time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, removed)

	_, err = s.store.FindByCode(ctx, "111111")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindByCode(ctx, "222222")
	s.Require().NoError(err)
}
