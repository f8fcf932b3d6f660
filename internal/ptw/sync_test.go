package ptw

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/athens-ehs/athens/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncEngine(f *fixture, u model.User) *SyncEngine {
	return NewSyncEngine(f.svc(u))
}

func TestSyncCreateAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := syncEngine(f, f.creator)

	payload, err := json.Marshal(f.createInput())
	require.NoError(t, err)
	req := SyncRequest{
		DeviceID: "device-1",
		Changes: []OfflineChange{
			{OfflineID: "off-1", Entity: "permit", Action: "create", Payload: payload},
		},
	}

	res, err := e.Apply(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Rejected)
	serverID := res.Applied[0].ServerID
	assert.NotEmpty(t, serverID)
	assert.False(t, res.Applied[0].Replayed)

	// Replaying the same batch applies nothing and reports the original id.
	res, err = e.Apply(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, serverID, res.Applied[0].ServerID)
	assert.True(t, res.Applied[0].Replayed)

	var count int64
	require.NoError(t, f.db.Model(&model.Permit{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSyncVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := syncEngine(f, f.creator)
	p := f.draftPermit(t)

	// Advance the server past what the device saw.
	desc := "updated on the server"
	_, err := f.svc(f.creator).Update(ctx, p.ID, UpdateInput{Description: &desc}, nil)
	require.NoError(t, err)

	stale := 1
	offline := "written offline"
	payload, err := json.Marshal(UpdateInput{Description: &offline})
	require.NoError(t, err)

	res, err := e.Apply(ctx, SyncRequest{
		DeviceID: "device-1",
		Changes: []OfflineChange{
			{OfflineID: "off-2", Entity: "permit", ServerID: p.ID, Action: "update", BaseVersion: &stale, Payload: payload},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "version_mismatch", res.Conflicts[0].Reason)
	require.NotNil(t, res.Conflicts[0].Server)
	assert.Equal(t, 2, res.Conflicts[0].Server.Version)

	// The conflicting change mutated nothing.
	got, err := f.svc(f.creator).Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, desc, got.Description)
	assert.Equal(t, 2, got.Version)
}

func TestSyncTransitionBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := syncEngine(f, f.creator)
	p := f.draftPermit(t)

	base := p.Version
	res, err := e.Apply(ctx, SyncRequest{
		DeviceID: "device-1",
		Changes: []OfflineChange{
			{OfflineID: "off-3", Entity: "permit", ServerID: p.ID, Action: "submit", BaseVersion: &base},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, 2, res.Applied[0].Version)
	require.Len(t, res.Events, 1)
	assert.Equal(t, EventSubmitted, res.Events[0].Name)
}

func TestSyncPolicyRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.draftPermit(t)
	worker := f.newUser(t, "bystander", model.UserTypeWorker, model.GradeC)
	e := syncEngine(f, worker)

	desc := "not mine to edit"
	payload, err := json.Marshal(UpdateInput{Description: &desc})
	require.NoError(t, err)

	res, err := e.Apply(ctx, SyncRequest{
		DeviceID: "device-2",
		Changes: []OfflineChange{
			{OfflineID: "off-4", Entity: "permit", ServerID: p.ID, Action: "update", Payload: payload},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Conflicts)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "forbidden", res.Rejected[0].Reason)
}

func TestSyncValidation(t *testing.T) {
	f := newFixture(t)
	e := syncEngine(f, f.creator)

	_, err := e.Apply(context.Background(), SyncRequest{Changes: []OfflineChange{{OfflineID: "x"}}})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "device_id")

	res, err := e.Apply(context.Background(), SyncRequest{
		DeviceID: "device-3",
		Changes: []OfflineChange{
			{OfflineID: "off-5", Entity: "gizmo", Action: "create"},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
}
