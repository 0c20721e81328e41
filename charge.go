package payterm

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Charge is the merchant-to-payer handoff: the parameters a payer needs to
// build a matching transfer authorization. It travels as a flat query string;
// rendering (QR, links) is left to the caller.
type Charge struct {
	// To is the merchant's receiving address.
	To common.Address

	// Amount is the requested amount in the token's smallest unit.
	Amount *big.Int

	// Expiry is the unix time (seconds) after which the charge is void.
	Expiry int64

	// OrderID correlates the charge with the merchant's order. Opaque.
	OrderID string

	// MerchantSig is an optional merchant attestation carried verbatim.
	MerchantSig string
}

// NewCharge creates a charge for the given amount with a fresh order id and
// an expiry of now+ttl.
func NewCharge(to common.Address, amount *big.Int, ttl time.Duration) *Charge {
	return &Charge{
		To:      to,
		Amount:  amount,
		Expiry:  time.Now().Add(ttl).Unix(),
		OrderID: uuid.NewString(),
	}
}

// Expectation derives the watcher-side expectation for this charge.
func (c *Charge) Expectation(policy AmountPolicy) PaymentExpectation {
	return PaymentExpectation{
		Payee:   c.To,
		Amount:  new(big.Int).Set(c.Amount),
		Policy:  policy,
		Expiry:  c.Expiry,
		OrderID: c.OrderID,
	}
}

// Encode renders the charge as a query string: to, a (smallest-unit decimal),
// exp (unix seconds), oid, and optionally msig.
func (c *Charge) Encode() string {
	q := url.Values{}
	q.Set("to", c.To.Hex())
	q.Set("a", c.Amount.String())
	q.Set("exp", strconv.FormatInt(c.Expiry, 10))
	q.Set("oid", c.OrderID)
	if c.MerchantSig != "" {
		q.Set("msig", c.MerchantSig)
	}
	return q.Encode()
}

// DecodeCharge parses a query string produced by Encode. It accepts a full
// URI as well and reads its query component.
func DecodeCharge(s string) (*Charge, error) {
	raw := s
	if u, err := url.Parse(s); err == nil && u.RawQuery != "" {
		raw = u.RawQuery
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCharge, err)
	}

	to := q.Get("to")
	if !addressPattern.MatchString(to) {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidCharge, to)
	}
	amount, err := ParseUnits(q.Get("a"))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidCharge, q.Get("a"))
	}
	expiry, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil || expiry <= 0 {
		return nil, fmt.Errorf("%w: expiry %q", ErrInvalidCharge, q.Get("exp"))
	}
	oid := q.Get("oid")
	if oid == "" {
		return nil, fmt.Errorf("%w: order id is empty", ErrInvalidCharge)
	}

	return &Charge{
		To:          common.HexToAddress(to),
		Amount:      amount,
		Expiry:      expiry,
		OrderID:     oid,
		MerchantSig: q.Get("msig"),
	}, nil
}
