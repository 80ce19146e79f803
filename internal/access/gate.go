// Package access makes role and ownership authorization decisions.
// Authorization and auditing are inseparable here: every Evaluate call
// produces exactly one audit entry, whatever branch it takes.
package access

import (
	"context"
	"errors"
	"strings"

	"denticore.org/internal/audit"
)

// Access levels recorded on granted decisions.
const (
	LevelStandard  = "standard"
	LevelEmergency = "emergency"
)

// Denial reasons.
const (
	ReasonInsufficientPermissions = "insufficient_permissions"
	ReasonNotResourceOwner        = "not_resource_owner"
	ReasonOwnershipLookupFailed   = "ownership_lookup_failed"
)

// Clinic roles. Admin bypasses the resource-type check entirely; patient is
// the most-restricted self tier.
const (
	RoleAdmin        = "admin"
	RoleDentist      = "dentist"
	RoleHygienist    = "hygienist"
	RoleReceptionist = "receptionist"
	RolePatient      = "patient"
)

// Resource types subject to authorization.
const (
	ResourcePatientRecord = "patient_record"
	ResourceAppointment   = "appointment"
	ResourceTreatmentPlan = "treatment_plan"
	ResourceBilling       = "billing"
	ResourceNotification  = "notification"
	ResourceAuditLog      = "audit_log"
)

// rolePermissions is the statically configured resource-type set per role.
// Admin is absent on purpose: it short-circuits the check.
var rolePermissions = map[string]map[string]struct{}{
	RoleDentist:      permSet(ResourcePatientRecord, ResourceAppointment, ResourceTreatmentPlan, ResourceNotification),
	RoleHygienist:    permSet(ResourcePatientRecord, ResourceAppointment, ResourceNotification),
	RoleReceptionist: permSet(ResourceAppointment, ResourceBilling, ResourceNotification),
	RolePatient:      permSet(ResourcePatientRecord, ResourceAppointment, ResourceBilling, ResourceNotification),
}

// selfScopedType is the resource type a patient reaches directly: their own
// record, keyed by their user id.
const selfScopedType = ResourcePatientRecord

func permSet(types ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// Request describes one access attempt.
type Request struct {
	UserID       string
	Role         string
	ResourceType string
	ResourceID   string
	Purpose      string
	Emergency    bool
	IPAddress    string
	UserAgent    string
}

// Decision is the authorization outcome.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	Level   string `json:"access_level,omitempty"`
}

// OwnershipLookup resolves the owning user of a concrete resource.
// Implemented by the storage collaborator.
type OwnershipLookup interface {
	Owner(ctx context.Context, resourceType, resourceID string) (string, error)
}

// ErrOwnerNotFound is returned by lookups when the resource has no known owner.
var ErrOwnerNotFound = errors.New("access: owner not found")

// Gate evaluates access requests.
type Gate struct {
	trail  *audit.Trail
	owners OwnershipLookup
}

// NewGate wires the gate to its audit trail and ownership lookup.
func NewGate(trail *audit.Trail, owners OwnershipLookup) *Gate {
	return &Gate{trail: trail, owners: owners}
}

// Evaluate applies, in order: the role's static resource-type set (admin
// bypasses it), then an ownership check for the self tier. Emergency does
// not bypass either check; it only changes which audit action is recorded,
// so break-glass use is reviewable after the fact.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	role := strings.TrimSpace(strings.ToLower(req.Role))

	if role != RoleAdmin {
		set := rolePermissions[role]
		if _, ok := set[req.ResourceType]; !ok {
			return g.deny(ctx, req, ReasonInsufficientPermissions, audit.ResultFailure)
		}
		if role == RolePatient && req.ResourceType != selfScopedType {
			if d, ok := g.checkOwnership(ctx, req); !ok {
				return d
			}
		}
		if role == RolePatient && req.ResourceType == selfScopedType &&
			req.ResourceID != "" && req.ResourceID != req.UserID {
			return g.deny(ctx, req, ReasonNotResourceOwner, audit.ResultFailure)
		}
	}

	level := LevelStandard
	action := "access_resource"
	if req.Emergency {
		level = LevelEmergency
		action = "emergency_access"
	}
	g.append(ctx, req, action, audit.ResultSuccess, "")
	return Decision{Granted: true, Level: level}
}

// checkOwnership verifies the resource belongs to the requester. A resource
// id is required; type-level requests (no concrete resource named, e.g.
// topic subscriptions to the requester's own feed) pass through.
func (g *Gate) checkOwnership(ctx context.Context, req Request) (Decision, bool) {
	if req.ResourceID == "" {
		return Decision{}, true
	}
	owner, err := g.owners.Owner(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			return g.deny(ctx, req, ReasonNotResourceOwner, audit.ResultFailure), false
		}
		return g.deny(ctx, req, ReasonOwnershipLookupFailed, audit.ResultError), false
	}
	if owner != req.UserID {
		return g.deny(ctx, req, ReasonNotResourceOwner, audit.ResultFailure), false
	}
	return Decision{}, true
}

func (g *Gate) deny(ctx context.Context, req Request, reason, result string) Decision {
	g.append(ctx, req, "access_denied", result, reason)
	return Decision{Granted: false, Reason: reason}
}

func (g *Gate) append(ctx context.Context, req Request, action, result, reason string) {
	details := map[string]any{"role": req.Role}
	if req.Purpose != "" {
		details["purpose"] = req.Purpose
	}
	if reason != "" {
		details["reason"] = reason
	}
	if req.Emergency {
		details["emergency"] = true
	}
	g.trail.Append(ctx, audit.Entry{
		UserID:     req.UserID,
		Action:     action,
		Resource:   req.ResourceType,
		ResourceID: req.ResourceID,
		Details:    details,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Result:     result,
	})
}
