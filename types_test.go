package payterm

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestTransferAuthorizationValidate(t *testing.T) {
	valid := func() TransferAuthorization {
		return TransferAuthorization{
			From:        common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
			To:          common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
			Value:       big.NewInt(1000000),
			ValidAfter:  big.NewInt(1700000000),
			ValidBefore: big.NewInt(1700000600),
			Nonce:       common.HexToHash("0x01"),
		}
	}

	t.Run("valid authorization", func(t *testing.T) {
		auth := valid()
		if err := auth.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("nil value", func(t *testing.T) {
		auth := valid()
		auth.Value = nil
		if err := auth.Validate(); err != ErrInvalidAmount {
			t.Errorf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("zero value", func(t *testing.T) {
		auth := valid()
		auth.Value = big.NewInt(0)
		if err := auth.Validate(); err != ErrInvalidAmount {
			t.Errorf("expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("empty window", func(t *testing.T) {
		auth := valid()
		auth.ValidBefore = new(big.Int).Set(auth.ValidAfter)
		if err := auth.Validate(); err != ErrInvalidWindow {
			t.Errorf("expected ErrInvalidWindow, got %v", err)
		}
	})

	t.Run("inverted window", func(t *testing.T) {
		auth := valid()
		auth.ValidAfter, auth.ValidBefore = auth.ValidBefore, auth.ValidAfter
		if err := auth.Validate(); err != ErrInvalidWindow {
			t.Errorf("expected ErrInvalidWindow, got %v", err)
		}
	})
}

func TestAmountPolicyMatches(t *testing.T) {
	tests := []struct {
		name     string
		policy   AmountPolicy
		observed int64
		expected int64
		want     bool
	}{
		{name: "exact match", policy: AmountExact, observed: 100, expected: 100, want: true},
		{name: "exact rejects overpayment", policy: AmountExact, observed: 101, expected: 100, want: false},
		{name: "exact rejects underpayment", policy: AmountExact, observed: 99, expected: 100, want: false},
		{name: "at-least accepts equal", policy: AmountAtLeast, observed: 100, expected: 100, want: true},
		{name: "at-least accepts overpayment", policy: AmountAtLeast, observed: 150, expected: 100, want: true},
		{name: "at-least rejects underpayment", policy: AmountAtLeast, observed: 99, expected: 100, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Matches(big.NewInt(tt.observed), big.NewInt(tt.expected))
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAmountPolicyMatchesNil(t *testing.T) {
	if AmountExact.Matches(nil, big.NewInt(1)) {
		t.Error("nil observed must not match")
	}
	if AmountAtLeast.Matches(big.NewInt(1), nil) {
		t.Error("nil expected must not match")
	}
}

func TestPaymentExpectationExpired(t *testing.T) {
	exp := PaymentExpectation{Expiry: 1700000000}

	if exp.Expired(time.Unix(1699999999, 0)) {
		t.Error("expectation before expiry must not be expired")
	}
	if exp.Expired(time.Unix(1700000000, 0)) {
		t.Error("expectation at the expiry second is still live")
	}
	if !exp.Expired(time.Unix(1700000001, 0)) {
		t.Error("expectation past expiry must be expired")
	}
}
