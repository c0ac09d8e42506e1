// Package access decides which operators may use which operations.
package access

import (
	"context"
	"errors"
	"fmt"

	"SalesRep/internal/store"
)

// ErrAccessDenied is returned by Require when op lacks the capability.
var ErrAccessDenied = errors.New("access denied")

// Capability names a group of operations.
type Capability string

const (
	// CapSuggest covers the suggestion workflow and the operator's own settings.
	CapSuggest Capability = "suggest"
	// CapAdmin covers user management and usage reports.
	CapAdmin Capability = "admin"
)

// Operator identifies who is talking to a front end. ID is the front end's
// stable identity; Username keys settings and usage.
type Operator struct {
	ID       string
	Username string
}

// Authorizer answers capability questions.
type Authorizer interface {
	IsAuthorized(ctx context.Context, op Operator, capability Capability) (bool, error)
}

// Require returns nil when op holds capability, ErrAccessDenied when it does
// not, and the authorizer's error when the decision could not be made.
func Require(ctx context.Context, a Authorizer, op Operator, capability Capability) error {
	ok, err := a.IsAuthorized(ctx, op, capability)
	if err != nil {
		return fmt.Errorf("authorize %s for %s: %w", capability, op.Username, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s", ErrAccessDenied, op.Username, capability)
	}
	return nil
}

// StatusReader reads per-user settings.
type StatusReader interface {
	Get(ctx context.Context, username, key string) (string, error)
}

// Roles grants admin to a fixed set of operator IDs and the suggestion
// capability to users whose status setting is "active".
type Roles struct {
	admins   map[string]bool
	settings StatusReader
}

// NewRoles creates an authorizer from the configured admin IDs.
func NewRoles(adminIDs []string, settings StatusReader) *Roles {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		if id != "" {
			admins[id] = true
		}
	}
	return &Roles{admins: admins, settings: settings}
}

func (r *Roles) IsAuthorized(ctx context.Context, op Operator, capability Capability) (bool, error) {
	switch capability {
	case CapAdmin:
		return r.admins[op.ID], nil
	case CapSuggest:
		return r.IsActive(ctx, op.Username)
	default:
		return false, nil
	}
}

// IsActive reports whether username has status "active". Unknown users are
// inactive.
func (r *Roles) IsActive(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, nil
	}
	status, err := r.settings.Get(ctx, username, store.KeyStatus)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == store.StatusActive, nil
}
