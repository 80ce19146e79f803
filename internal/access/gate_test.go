package access

import (
	"context"
	"errors"
	"testing"

	"denticore.org/internal/audit"
)

type recordingSink struct {
	entries []audit.Entry
}

func (r *recordingSink) AppendAuditEntry(ctx context.Context, e audit.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) QueryAuditEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return r.entries, nil
}

type fakeOwners struct {
	owners map[string]string // resourceType/resourceID -> userID
	err    error
}

func (f *fakeOwners) Owner(ctx context.Context, resourceType, resourceID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	owner, ok := f.owners[resourceType+"/"+resourceID]
	if !ok {
		return "", ErrOwnerNotFound
	}
	return owner, nil
}

func newTestGate(owners *fakeOwners) (*Gate, *recordingSink) {
	sink := &recordingSink{}
	if owners == nil {
		owners = &fakeOwners{}
	}
	return NewGate(audit.NewTrail(sink), owners), sink
}

func TestAdminBypassesResourceTypeCheck(t *testing.T) {
	gate, sink := newTestGate(nil)
	d := gate.Evaluate(context.Background(), Request{
		UserID: "admin-1", Role: RoleAdmin, ResourceType: ResourceAuditLog,
	})
	if !d.Granted || d.Level != LevelStandard {
		t.Fatalf("admin should be granted: %+v", d)
	}
	if len(sink.entries) != 1 || sink.entries[0].Action != "access_resource" {
		t.Fatalf("expected one access_resource entry: %+v", sink.entries)
	}
}

func TestRoleOutsidePermittedSetDenied(t *testing.T) {
	gate, sink := newTestGate(nil)
	d := gate.Evaluate(context.Background(), Request{
		UserID: "r-1", Role: RoleReceptionist, ResourceType: ResourceTreatmentPlan,
	})
	if d.Granted {
		t.Fatal("receptionist must not reach treatment plans")
	}
	if d.Reason != ReasonInsufficientPermissions {
		t.Fatalf("unexpected reason: %s", d.Reason)
	}
	if len(sink.entries) != 1 || sink.entries[0].Action != "access_denied" {
		t.Fatalf("expected one access_denied entry: %+v", sink.entries)
	}
}

func TestPatientOwnershipCheck(t *testing.T) {
	owners := &fakeOwners{owners: map[string]string{
		"appointment/apt-1": "pat-1",
	}}
	gate, sink := newTestGate(owners)
	ctx := context.Background()

	if d := gate.Evaluate(ctx, Request{UserID: "pat-1", Role: RolePatient, ResourceType: ResourceAppointment, ResourceID: "apt-1"}); !d.Granted {
		t.Fatalf("owner should be granted: %+v", d)
	}
	if d := gate.Evaluate(ctx, Request{UserID: "pat-2", Role: RolePatient, ResourceType: ResourceAppointment, ResourceID: "apt-1"}); d.Granted || d.Reason != ReasonNotResourceOwner {
		t.Fatalf("non-owner should be denied: %+v", d)
	}
	if d := gate.Evaluate(ctx, Request{UserID: "pat-2", Role: RolePatient, ResourceType: ResourceAppointment, ResourceID: "apt-unknown"}); d.Granted {
		t.Fatalf("unknown resource should be denied: %+v", d)
	}
	if len(sink.entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(sink.entries))
	}
}

func TestPatientSelfScopedRecord(t *testing.T) {
	gate, _ := newTestGate(nil)
	ctx := context.Background()

	if d := gate.Evaluate(ctx, Request{UserID: "pat-1", Role: RolePatient, ResourceType: ResourcePatientRecord, ResourceID: "pat-1"}); !d.Granted {
		t.Fatalf("own record should be granted: %+v", d)
	}
	if d := gate.Evaluate(ctx, Request{UserID: "pat-1", Role: RolePatient, ResourceType: ResourcePatientRecord, ResourceID: "pat-2"}); d.Granted {
		t.Fatalf("another patient's record must be denied: %+v", d)
	}
}

func TestEmergencyChangesAuditLabelOnly(t *testing.T) {
	gate, sink := newTestGate(nil)
	ctx := context.Background()

	// Emergency does not bypass the role check.
	d := gate.Evaluate(ctx, Request{UserID: "r-1", Role: RoleReceptionist, ResourceType: ResourcePatientRecord, Emergency: true})
	if d.Granted {
		t.Fatal("emergency must not bypass the permitted-set check")
	}

	d = gate.Evaluate(ctx, Request{UserID: "dr-1", Role: RoleDentist, ResourceType: ResourcePatientRecord, ResourceID: "pat-3", Emergency: true})
	if !d.Granted || d.Level != LevelEmergency {
		t.Fatalf("expected emergency grant: %+v", d)
	}

	last := sink.entries[len(sink.entries)-1]
	if last.Action != "emergency_access" || last.Result != audit.ResultSuccess {
		t.Fatalf("expected emergency_access success entry: %+v", last)
	}
}

func TestEveryBranchAuditsExactlyOnce(t *testing.T) {
	owners := &fakeOwners{owners: map[string]string{"appointment/a1": "u1"}}
	gate, sink := newTestGate(owners)
	ctx := context.Background()

	requests := []Request{
		{UserID: "u1", Role: RoleAdmin, ResourceType: ResourceBilling},                          // grant, all-access
		{UserID: "u1", Role: RoleHygienist, ResourceType: ResourceBilling},                      // deny, set
		{UserID: "u2", Role: RolePatient, ResourceType: ResourceAppointment, ResourceID: "a1"},  // deny, owner
		{UserID: "u1", Role: RolePatient, ResourceType: ResourceAppointment, ResourceID: "a1"},  // grant
		{UserID: "u1", Role: RoleDentist, ResourceType: ResourcePatientRecord, Emergency: true}, // grant, emergency
	}
	for i, req := range requests {
		before := len(sink.entries)
		gate.Evaluate(ctx, req)
		if len(sink.entries) != before+1 {
			t.Fatalf("request %d produced %d entries, want exactly 1", i, len(sink.entries)-before)
		}
	}
}

func TestOwnershipLookupErrorAuditsError(t *testing.T) {
	gate, sink := newTestGate(&fakeOwners{err: errors.New("db down")})
	d := gate.Evaluate(context.Background(), Request{
		UserID: "pat-1", Role: RolePatient, ResourceType: ResourceBilling, ResourceID: "inv-1",
	})
	if d.Granted || d.Reason != ReasonOwnershipLookupFailed {
		t.Fatalf("expected lookup failure denial: %+v", d)
	}
	if sink.entries[0].Result != audit.ResultError {
		t.Fatalf("expected error result: %+v", sink.entries[0])
	}
}

func TestCanReadTopic(t *testing.T) {
	gate, _ := newTestGate(nil)
	ctx := context.Background()

	if !gate.CanReadTopic(ctx, "dr-1", RoleDentist, "appointments") {
		t.Fatal("dentist should read appointments topic")
	}
	if gate.CanReadTopic(ctx, "r-1", RoleReceptionist, "clinical") {
		t.Fatal("receptionist must not read clinical topic")
	}
	if gate.CanReadTopic(ctx, "u-1", RoleAdmin, "no-such-topic") {
		t.Fatal("unknown topic must be rejected")
	}
}
