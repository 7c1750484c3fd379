package ledger

import (
	"errors"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewTransactionID(t *testing.T) {
	t.Parallel()
	if _, err := NewTransactionID(0); !errors.Is(err, ErrInvalidTransactionID) {
		t.Fatalf("expected ErrInvalidTransactionID, got %v", err)
	}
	value, err := NewTransactionID(12)
	if err != nil || value.Int64() != 12 {
		t.Fatalf("expected 12, got %d (%v)", value.Int64(), err)
	}
}

func TestNewTransactionNo(t *testing.T) {
	t.Parallel()
	if _, err := NewTransactionNo("  "); !errors.Is(err, ErrInvalidTransactionNo) {
		t.Fatalf("expected ErrInvalidTransactionNo, got %v", err)
	}
}

func TestNewIdempotencyKeyAllowsEmpty(t *testing.T) {
	t.Parallel()
	if key := NewIdempotencyKey("   "); key.String() != "" {
		t.Fatalf("expected empty key, got %q", key.String())
	}
	if key := NewIdempotencyKey(" cart-9 "); key.String() != "cart-9" {
		t.Fatalf("expected trimmed key, got %q", key.String())
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	for _, invalid := range []string{"not-json", "[1,2]", "null", `"text"`} {
		if _, err := NewMetadataJSON(invalid); !errors.Is(err, ErrInvalidMetadataJSON) {
			t.Fatalf("expected ErrInvalidMetadataJSON for %s, got %v", invalid, err)
		}
	}
}

func TestMetadataWithValuesKeepsExistingKeys(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON(`{"channel":"app"}`)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	merged, err := meta.withValues(map[string]string{metadataKeyPaymentMethod: "card", metadataKeyOperatorID: ""})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.String() != `{"channel":"app","payment_method":"card"}` {
		t.Fatalf("unexpected merged metadata %s", merged.String())
	}
}

func TestParseEnumerations(t *testing.T) {
	t.Parallel()
	if value, err := ParseTransactionType(" reward "); err != nil || value != TransactionReward {
		t.Fatalf("expected REWARD, got %q (%v)", value, err)
	}
	if _, err := ParseTransactionType("GIFT"); !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	if value, err := ParseTransactionStatus("rejected"); err != nil || value != TransactionRejected || !value.IsFinal() {
		t.Fatalf("expected final REJECTED, got %q (%v)", value, err)
	}
	if TransactionPending.IsFinal() {
		t.Fatalf("PENDING must not be final")
	}
	if _, err := ParseAccountStatus("closed"); !errors.Is(err, ErrInvalidAccountStatus) {
		t.Fatalf("expected ErrInvalidAccountStatus, got %v", err)
	}
}
