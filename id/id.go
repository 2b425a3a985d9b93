// Package id defines TypeID-based identity types for gatekeeper records.
//
// Records minted by gatekeeper itself (audit entries, subscription events,
// billing issues, operation keys) carry a prefix naming the record type.
// IDs are K-sortable (UUIDv7-based), globally unique, and URL-safe in the
// format "prefix_suffix". Subscription IDs issued by an external billing
// provider are plain strings and do not pass through this package.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the record type encoded in a TypeID.
type Prefix string

const (
	PrefixSubscription      Prefix = "sub"  // Subscription minted by the store-backed billing API
	PrefixAuditEntry        Prefix = "aud"  // Compliance audit entry
	PrefixSubscriptionEvent Prefix = "sevt" // Subscription lifecycle event
	PrefixBillingIssue      Prefix = "bi"   // Billing issue ticket
	PrefixOperation         Prefix = "op"   // Client idempotency key
)

// ID wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "aud_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and checks its prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// AuditEntryID identifies an audit entry (prefix: "aud").
type AuditEntryID = ID

// SubscriptionEventID identifies a subscription event (prefix: "sevt").
type SubscriptionEventID = ID

// BillingIssueID identifies a billing issue (prefix: "bi").
type BillingIssueID = ID

// OperationID identifies a client operation (prefix: "op").
type OperationID = ID

// NewSubscriptionID generates a new subscription ID.
func NewSubscriptionID() ID { return New(PrefixSubscription) }

// NewAuditEntryID generates a new audit entry ID.
func NewAuditEntryID() ID { return New(PrefixAuditEntry) }

// NewSubscriptionEventID generates a new subscription event ID.
func NewSubscriptionEventID() ID { return New(PrefixSubscriptionEvent) }

// NewBillingIssueID generates a new billing issue ID.
func NewBillingIssueID() ID { return New(PrefixBillingIssue) }

// NewOperationID generates an idempotency key a client can attach to a
// metered action and reuse on retry.
func NewOperationID() ID { return New(PrefixOperation) }

// ParseAuditEntryID parses a string and validates the "aud" prefix.
func ParseAuditEntryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAuditEntry) }

// ParseSubscriptionEventID parses a string and validates the "sevt" prefix.
func ParseSubscriptionEventID(s string) (ID, error) {
	return ParseWithPrefix(s, PrefixSubscriptionEvent)
}

// ParseBillingIssueID parses a string and validates the "bi" prefix.
func ParseBillingIssueID(s string) (ID, error) { return ParseWithPrefix(s, PrefixBillingIssue) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
