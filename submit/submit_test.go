package submit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// rpcError mimics go-ethereum's rpc.DataError: a JSON-RPC error carrying the
// ABI-encoded revert payload.
type rpcError struct {
	msg  string
	data interface{}
}

func (e *rpcError) Error() string          { return e.msg }
func (e *rpcError) ErrorData() interface{} { return e.data }

// encodeRevert builds the Error(string) payload a node attaches to a revert.
func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("build abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	// 0x08c379a0 is the Error(string) selector.
	return "0x" + hex.EncodeToString(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestClassifyRevertWithData(t *testing.T) {
	err := Classify(&rpcError{
		msg:  "execution reverted",
		data: encodeRevert(t, "authorization is used"),
	})

	var re *RevertError
	if !errors.As(err, &re) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if re.Reason != "authorization is used" {
		t.Errorf("expected decoded reason, got %q", re.Reason)
	}
}

func TestClassifyRevertFromMessage(t *testing.T) {
	err := Classify(errors.New("execution reverted: invalid signature"))

	var re *RevertError
	if !errors.As(err, &re) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if re.Reason != "invalid signature" {
		t.Errorf("expected reason from message, got %q", re.Reason)
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{
			name: "deadline exceeded",
			in:   fmt.Errorf("sending: %w", context.DeadlineExceeded),
			want: ErrTimeout,
		},
		{
			name: "insufficient funds",
			in:   errors.New("insufficient funds for gas * price + value"),
			want: ErrInsufficientFunds,
		},
		{
			name: "connection refused",
			in:   errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"),
			want: ErrNetworkUnreachable,
		},
		{
			name: "unknown host",
			in:   errors.New("dial tcp: lookup rpc.invalid: no such host"),
			want: ErrNetworkUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil must classify to nil")
	}

	unknown := errors.New("something unexpected")
	if got := Classify(unknown); got != unknown {
		t.Errorf("unknown errors pass through unchanged, got %v", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want bool
	}{
		{name: "revert is permanent", in: &RevertError{Reason: "authorization is used"}, want: false},
		{name: "user declined is permanent", in: ErrUserDeclined, want: false},
		{name: "timeout is transient", in: ErrTimeout, want: true},
		{name: "network is transient", in: ErrNetworkUnreachable, want: true},
		{name: "insufficient funds is transient", in: ErrInsufficientFunds, want: true},
		{name: "unknown is transient", in: errors.New("weird"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.in); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRevertErrorMessage(t *testing.T) {
	if got := (&RevertError{}).Error(); got != "contract reverted" {
		t.Errorf("unexpected message %q", got)
	}
	if got := (&RevertError{Reason: "expired"}).Error(); got != "contract reverted: expired" {
		t.Errorf("unexpected message %q", got)
	}
}
