package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pawmatch/gatekeeper/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"SubscriptionID", id.NewSubscriptionID, "sub_"},
		{"AuditEntryID", id.NewAuditEntryID, "aud_"},
		{"SubscriptionEventID", id.NewSubscriptionEventID, "sevt_"},
		{"BillingIssueID", id.NewBillingIssueID, "bi_"},
		{"OperationID", id.NewOperationID, "op_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseAuditEntryID rejects sevt_", id.NewSubscriptionEventID().String(), id.ParseAuditEntryID},
		{"ParseSubscriptionEventID rejects bi_", id.NewBillingIssueID().String(), id.ParseSubscriptionEventID},
		{"ParseBillingIssueID rejects aud_", id.NewAuditEntryID().String(), id.ParseBillingIssueID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		ID id.AuditEntryID `json:"id"`
	}

	original := wrapper{ID: id.NewAuditEntryID()}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored wrapper
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restored.ID.String() != original.ID.String() {
		t.Errorf("mismatch: %q != %q", restored.ID.String(), original.ID.String())
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewBillingIssueID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilScan id.ID
	if err := nilScan.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !nilScan.IsNil() {
		t.Error("expected nil after scan of nil")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewOperationID()
	b := id.NewOperationID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewOperationID() calls returned the same ID: %q", a.String())
	}
}
