package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"natforward/internal/database"
	"natforward/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "store.db"), zerolog.Nop())
	require.NoError(t, err)
	return NewGormStore(db)
}

func mapping(serviceID uint, port int) *models.PortMapping {
	return &models.PortMapping{
		ServiceID:   serviceID,
		PublicIP:    "203.0.113.1",
		PublicPort:  port,
		PrivateIP:   "192.168.100.10",
		PrivatePort: 22,
	}
}

func TestInsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mapping(42, 20000)
	require.NoError(t, s.Insert(ctx, m))
	assert.NotZero(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	got, err := s.FindByService(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 20000, got.PublicPort)
	assert.True(t, got.Provisional())

	byID, err := s.FindByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(42), byID.ServiceID)

	_, err = s.FindByService(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindByPortRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, mapping(1, 19999)))
	require.NoError(t, s.Insert(ctx, mapping(2, 20003)))
	require.NoError(t, s.Insert(ctx, mapping(3, 20000)))
	require.NoError(t, s.Insert(ctx, mapping(4, 20006)))

	got, err := s.FindByPortRange(ctx, 20000, 20005)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 20000, got[0].PublicPort)
	assert.Equal(t, 20003, got[1].PublicPort)
}

func TestInsertRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Insert(ctx, mapping(1, 20000)))
	assert.Error(t, s.Insert(ctx, mapping(2, 20000)), "public port reused")
	assert.Error(t, s.Insert(ctx, mapping(1, 20001)), "second mapping for service")
}

func TestSetRemoteRuleID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := mapping(42, 20000)
	require.NoError(t, s.Insert(ctx, m))
	require.NoError(t, s.SetRemoteRuleID(ctx, m.ID, "17"))

	got, err := s.FindByService(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "17", got.RemoteRuleID)
	assert.False(t, got.Provisional())

	assert.ErrorIs(t, s.SetRemoteRuleID(ctx, 9999, "1"), ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, b, c := mapping(1, 20000), mapping(2, 20001), mapping(3, 20002)
	for _, m := range []*models.PortMapping{a, b, c} {
		require.NoError(t, s.Insert(ctx, m))
	}

	require.NoError(t, s.DeleteByService(ctx, 1))
	require.NoError(t, s.DeleteByService(ctx, 1), "deleting twice is fine")

	n, err := s.DeleteByIDs(ctx, []uint{b.ID, c.ID, 9999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DeleteByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	total, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx MappingStore) error {
		if err := tx.Insert(ctx, mapping(1, 20000)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
