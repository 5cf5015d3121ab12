package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminQueue_SubmitDrainInOrder(t *testing.T) {
	admin := NewAdminQueue(newTestClient(t, miniredis.RunT(t)), "")
	ctx := context.Background()

	first, err := admin.Submit(ctx, OpRequeueDead, "details:a", "ops")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = admin.Submit(ctx, OpRequeueDead, "details:b", "ops")
	require.NoError(t, err)
	_, err = admin.Submit(ctx, OpRequeueDead, "details:c", "")
	require.NoError(t, err)

	pending, err := admin.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	batch, err := admin.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, "details:b", batch[1].TaskID)

	batch, err = admin.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "details:c", batch[0].TaskID)

	batch, err = admin.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestAdminQueue_SubmitValidation(t *testing.T) {
	admin := NewAdminQueue(newTestClient(t, miniredis.RunT(t)), "")

	_, err := admin.Submit(context.Background(), "flush_all", "details:a", "ops")
	require.Error(t, err)

	_, err = admin.Submit(context.Background(), OpRequeueDead, "", "ops")
	require.Error(t, err)
}

func TestAdminQueue_DropsUndecodableEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	admin := NewAdminQueue(newTestClient(t, mr), "")
	ctx := context.Background()

	_, err := mr.Push(DefaultPrefix+"admin", "not json")
	require.NoError(t, err)
	_, err = admin.Submit(ctx, OpRequeueDead, "details:a", "ops")
	require.NoError(t, err)

	batch, err := admin.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "details:a", batch[0].TaskID)
}
