package ptw

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/athens-ehs/athens/internal/access"
	"github.com/athens-ehs/athens/internal/model"
	"github.com/athens-ehs/athens/internal/tenantdb"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db       *gorm.DB
	tenantID string
	project  model.Project
	ptype    model.PermitType
	creator  model.User
	verifier model.User
	approver model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	file := filepath.Join(t.TempDir(), "tenant.db")
	gdb, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(tenantdb.TenantModels...))

	f := &fixture{db: gdb, tenantID: "tenant-1"}

	f.project = model.Project{Name: "North Plant", AthensTenantID: f.tenantID}
	require.NoError(t, gdb.Create(&f.project).Error)

	f.ptype = model.PermitType{
		Name:              "Hot Work",
		Category:          "hot_work",
		ValidityHours:     8,
		MandatoryPPE:      model.StringSlice{"helmet", "gloves"},
		SafetyChecklist:   model.JSON(`["area_clear","fire_extinguisher"]`),
		CloseoutChecklist: model.JSON(`["tools_removed"]`),
		AthensTenantID:    f.tenantID,
	}
	require.NoError(t, gdb.Create(&f.ptype).Error)

	f.creator = f.newUser(t, "creator", model.UserTypeAdminUser, model.GradeC)
	f.verifier = f.newUser(t, "verifier", model.UserTypeAdminUser, model.GradeB)
	f.approver = f.newUser(t, "approver", model.UserTypeAdminUser, model.GradeA)
	return f
}

func (f *fixture) newUser(t *testing.T, name, userType, grade string) model.User {
	t.Helper()
	u := model.User{
		Username:       name,
		Email:          name + "@example.com",
		UserType:       userType,
		Grade:          grade,
		ProjectID:      &f.project.ID,
		AthensTenantID: f.tenantID,
	}
	require.NoError(t, f.db.Create(&u).Error)
	return u
}

func (f *fixture) svc(u model.User) *Service {
	projectID := ""
	if u.ProjectID != nil {
		projectID = *u.ProjectID
	}
	return NewService(f.db, access.Principal{
		ID:        u.ID,
		UserType:  u.UserType,
		AdminType: u.AdminType,
		Grade:     u.Grade,
		TenantID:  u.AthensTenantID,
		ProjectID: projectID,
	})
}

func (f *fixture) createInput() CreateInput {
	now := time.Now()
	return CreateInput{
		PermitTypeID:     f.ptype.ID,
		ProjectID:        f.project.ID,
		Description:      "weld pipe supports",
		Hazards:          []string{"sparks"},
		SelectedPPE:      []string{"helmet", "gloves"},
		PlannedStartTime: now.Add(-time.Hour),
		PlannedEndTime:   now.Add(4 * time.Hour),
	}
}

func (f *fixture) draftPermit(t *testing.T) *model.Permit {
	t.Helper()
	p, err := f.svc(f.creator).Create(context.Background(), f.createInput())
	require.NoError(t, err)
	return p
}

func TestCreateAssignsNumberAndWorkflow(t *testing.T) {
	f := newFixture(t)
	p := f.draftPermit(t)

	assert.Equal(t, model.PermitDraft, p.Status)
	assert.Equal(t, 1, p.Version)
	assert.Regexp(t, `^PTW-\d{4}-0001$`, p.PermitNumber)

	var instance model.WorkflowInstance
	require.NoError(t, f.db.Where("permit_id = ?", p.ID).First(&instance).Error)

	p2, err := f.svc(f.creator).Create(context.Background(), f.createInput())
	require.NoError(t, err)
	assert.Regexp(t, `0002$`, p2.PermitNumber)
}

func TestSubmitGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		field  string
	}{
		{"no hazards", func(in *CreateInput) { in.Hazards = nil }, "hazards"},
		{"missing mandatory ppe", func(in *CreateInput) { in.SelectedPPE = []string{"helmet"} }, "selected_ppe"},
		{"empty description", func(in *CreateInput) { in.Description = "  " }, "description"},
		{"end before start", func(in *CreateInput) {
			in.PlannedEndTime = in.PlannedStartTime.Add(-time.Minute)
		}, "planned_end_time"},
		{"window exceeds validity", func(in *CreateInput) {
			in.PlannedEndTime = in.PlannedStartTime.Add(9 * time.Hour)
		}, "planned_end_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.createInput()
			tt.mutate(&in)
			p, err := f.svc(f.creator).Create(ctx, in)
			require.NoError(t, err)

			_, _, err = f.svc(f.creator).Submit(ctx, p.ID, nil)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.field)
		})
	}

	p := f.draftPermit(t)
	out, events, err := f.svc(f.creator).Submit(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitSubmitted, out.Status)
	assert.Equal(t, 2, out.Version)
	require.Len(t, events, 1)
	assert.Equal(t, EventSubmitted, events[0].Name)
}

func TestAssignVerifierRequiresGradeB(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.draftPermit(t)
	_, _, err := f.svc(f.creator).Submit(ctx, p.ID, nil)
	require.NoError(t, err)

	_, _, err = f.svc(f.creator).AssignVerifier(ctx, p.ID, f.approver.ID, nil)
	assert.ErrorIs(t, err, access.ErrForbidden)

	out, _, err := f.svc(f.creator).AssignVerifier(ctx, p.ID, f.verifier.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitPendingVerification, out.Status)
	require.NotNil(t, out.VerifierID)
	assert.Equal(t, f.verifier.ID, *out.VerifierID)

	var step model.WorkflowStep
	require.NoError(t, f.db.Where("assignee_id = ?", f.verifier.ID).First(&step).Error)
	assert.Equal(t, model.StepKindVerifier, step.Kind)
	assert.Equal(t, model.StepPending, step.Status)
}

func TestVerifyOnlyByAssignedVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pendingVerification(t)

	in := VerifyInput{Action: "approve", SelectedApprover: f.approver.ID}
	_, _, err := f.svc(f.approver).Verify(ctx, p.ID, in, nil)
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, _, err = f.svc(f.verifier).Verify(ctx, p.ID, VerifyInput{Action: "approve", SelectedApprover: f.verifier.ID}, nil)
	assert.ErrorIs(t, err, access.ErrForbidden) // approver must hold grade A

	out, events, err := f.svc(f.verifier).Verify(ctx, p.ID, in, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitUnderReview, out.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventVerified, events[0].Name)

	// No step ever becomes obsolete; unsettled verifier steps are skipped.
	var obsolete int64
	require.NoError(t, f.db.Model(&model.WorkflowStep{}).
		Where("status = ?", model.StepObsolete).Count(&obsolete).Error)
	assert.Zero(t, obsolete)
}

func TestApproveGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t)

	_, _, err := f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields["safety_checklist"], "area_clear")

	checklist := model.JSON(`{"area_clear":true,"fire_extinguisher":true}`)
	_, err = f.svc(f.creator).Update(ctx, p.ID, UpdateInput{SafetyChecklist: &checklist}, nil)
	require.NoError(t, err)

	out, events, err := f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitApproved, out.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventApproved, events[0].Name)
}

func TestApproveGateStructuredIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Model(&model.PermitType{}).
		Where("id = ?", f.ptype.ID).
		Update("requires_structured_isolation", true).Error)

	p := f.underReview(t)
	checklist := model.JSON(`{"area_clear":true,"fire_extinguisher":true}`)
	_, err := f.svc(f.creator).Update(ctx, p.ID, UpdateInput{SafetyChecklist: &checklist}, nil)
	require.NoError(t, err)

	_, _, err = f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "isolation_points")

	point, err := f.svc(f.creator).AddIsolationPoint(ctx, p.ID, "LOTO-7")
	require.NoError(t, err)
	_, _, err = f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	require.ErrorAs(t, err, &ve)

	_, err = f.svc(f.creator).VerifyIsolationPoint(ctx, p.ID, point.ID)
	require.NoError(t, err)
	out, _, err := f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitApproved, out.Status)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.pendingVerification(t)

	out, events, err := f.svc(f.verifier).Verify(ctx, p.ID, VerifyInput{Action: "reject", Comments: "incomplete"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitRejected, out.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventRejected, events[0].Name)

	_, _, err = f.svc(f.creator).Submit(ctx, p.ID, nil)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestHappyPathToCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approved(t)

	out, _, err := f.svc(f.creator).Activate(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitActive, out.Status)

	_, err = f.svc(f.creator).UpsertCloseout(ctx, p.ID, CloseoutInput{
		Checklist: model.JSON(`{"tools_removed":true}`),
		Remarks:   "area restored",
	}, nil)
	require.NoError(t, err)

	_, err = f.svc(f.creator).AddSignature(ctx, p.ID, SignatureInput{
		SignatureType: model.SignatureCloseout,
		Payload:       []byte(`"data:image/png;base64,AAAA"`),
	}, nil)
	require.NoError(t, err)

	done, events, err := f.svc(f.creator).CompleteCloseout(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PermitCompleted, done.Status)
	require.Len(t, events, 1)
	assert.Equal(t, EventCompleted, events[0].Name)

	// An audit row exists for every server-applied mutation.
	var audits int64
	require.NoError(t, f.db.Model(&model.PermitAudit{}).
		Where("permit_id = ?", p.ID).Count(&audits).Error)
	assert.GreaterOrEqual(t, audits, int64(done.Version))
	assert.Greater(t, done.Version, 1)
}

func TestCompleteRequiresCloseoutSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.approved(t)
	_, _, err := f.svc(f.creator).Activate(ctx, p.ID, nil)
	require.NoError(t, err)

	_, err = f.svc(f.creator).UpsertCloseout(ctx, p.ID, CloseoutInput{
		Checklist: model.JSON(`{"tools_removed":true}`),
	}, nil)
	require.NoError(t, err)

	_, _, err = f.svc(f.creator).CompleteCloseout(ctx, p.ID, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "signature")
}

func TestVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.draftPermit(t)

	stale := p.Version
	_, _, err := f.svc(f.creator).Submit(ctx, p.ID, &stale)
	require.NoError(t, err)

	_, _, err = f.svc(f.creator).Submit(ctx, p.ID, &stale)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.CurrentVersion)
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.approved(t)
	_, _, err := f.svc(f.creator).Activate(ctx, active.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.Permit{}).
		Where("id = ?", active.ID).
		Update("planned_end_time", time.Now().Add(-time.Minute)).Error)

	rejected := f.pendingVerification(t)
	_, _, err = f.svc(f.verifier).Verify(ctx, rejected.ID, VerifyInput{Action: "reject"}, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.Permit{}).
		Where("id = ?", rejected.ID).
		Update("planned_end_time", time.Now().Add(-time.Minute)).Error)

	n, err := ExpireOverdue(ctx, f.db, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got model.Permit
	require.NoError(t, f.db.Where("id = ?", active.ID).First(&got).Error)
	assert.Equal(t, model.PermitExpired, got.Status)

	got = model.Permit{}
	require.NoError(t, f.db.Where("id = ?", rejected.ID).First(&got).Error)
	assert.Equal(t, model.PermitRejected, got.Status)

	// Idempotent: a second sweep finds nothing.
	n, err = ExpireOverdue(ctx, f.db, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"draft", "draft"},
		{"ACTIVE", "active"},
		{"In_Review", "under_review"},
		{"in_review", "under_review"},
		{"Under Review", "under_review"},
		{"completed", "completed"},
		{"bogus", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeStatus(tt.in), tt.in)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t)
	p := f.draftPermit(t)

	outsider := access.Principal{
		ID: "intruder", UserType: model.UserTypeAdminUser,
		AdminType: model.AdminTypeMaster, TenantID: "tenant-2",
	}
	svc := NewService(f.db, outsider)
	_, err := svc.Get(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Submit(context.Background(), p.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.underReview(t)

	r, err := f.svc(f.creator).Readiness(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, r.CanApprove)
	assert.False(t, r.Details.Checklist.Ready)
	assert.ElementsMatch(t, []string{"area_clear", "fire_extinguisher"}, r.Details.Checklist.Missing)
	assert.True(t, r.Details.Isolation.Ready) // not required by this type
	assert.False(t, r.Details.Isolation.Required)
	assert.False(t, r.Details.Closeout.Ready) // no record yet, tolerated

	checklist := model.JSON(`{"area_clear":true,"fire_extinguisher":true}`)
	_, err = f.svc(f.creator).Update(ctx, p.ID, UpdateInput{SafetyChecklist: &checklist}, nil)
	require.NoError(t, err)

	r, err = f.svc(f.creator).Readiness(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, r.CanApprove)
	assert.True(t, r.Details.Checklist.Ready)
}

func TestSignatureOverwriteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.draftPermit(t)

	sig1, err := f.svc(f.creator).AddSignature(ctx, p.ID, SignatureInput{
		SignatureType: model.SignatureRequestor,
		Payload:       []byte(`"data:image/png;base64,AAAA"`),
	}, nil)
	require.NoError(t, err)

	sig2, err := f.svc(f.creator).AddSignature(ctx, p.ID, SignatureInput{
		SignatureType: model.SignatureRequestor,
		Payload:       []byte(`{"image":"data:image/png;base64,BBBB","template":"v2"}`),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, sig1.ID, sig2.ID)
	assert.Equal(t, "v2", sig2.TemplateRef)

	var count int64
	require.NoError(t, f.db.Model(&model.DigitalSignature{}).
		Where("permit_id = ?", p.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// Signing as the wrong role is forbidden.
	_, err = f.svc(f.verifier).AddSignature(ctx, p.ID, SignatureInput{
		SignatureType: model.SignatureRequestor,
		Payload:       []byte(`"data:image/png;base64,CCCC"`),
	}, nil)
	assert.ErrorIs(t, err, access.ErrForbidden)
}

// ---- fixture progression helpers ------------------------------------------

func (f *fixture) pendingVerification(t *testing.T) *model.Permit {
	t.Helper()
	ctx := context.Background()
	p := f.draftPermit(t)
	_, _, err := f.svc(f.creator).Submit(ctx, p.ID, nil)
	require.NoError(t, err)
	out, _, err := f.svc(f.creator).AssignVerifier(ctx, p.ID, f.verifier.ID, nil)
	require.NoError(t, err)
	return out
}

func (f *fixture) underReview(t *testing.T) *model.Permit {
	t.Helper()
	p := f.pendingVerification(t)
	out, _, err := f.svc(f.verifier).Verify(context.Background(), p.ID,
		VerifyInput{Action: "approve", SelectedApprover: f.approver.ID}, nil)
	require.NoError(t, err)
	return out
}

func (f *fixture) approved(t *testing.T) *model.Permit {
	t.Helper()
	ctx := context.Background()
	p := f.underReview(t)
	checklist := model.JSON(`{"area_clear":true,"fire_extinguisher":true}`)
	_, err := f.svc(f.creator).Update(ctx, p.ID, UpdateInput{SafetyChecklist: &checklist}, nil)
	require.NoError(t, err)
	out, _, err := f.svc(f.approver).Approve(ctx, p.ID, ApproveInput{Action: "approve"}, nil)
	require.NoError(t, err)
	return out
}
