// Package tradeno encodes and decodes the merchant trade number that travels
// through the gateway and comes back on every callback.
//
// Layout (version "plan"): plan_{planId}_{userId}_{epochMillis}
//
// The leading "plan" segment is the layout marker; any future layout must use
// a different first segment so old callbacks stay decodable. Plan ids never
// contain "_", user ids may.
package tradeno

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LayoutPlan is the marker of the only layout currently issued.
const LayoutPlan = "plan"

const sep = "_"

// MaxLength bounds the encoded form; orders.out_trade_no is sized to it.
const MaxLength = 255

var (
	// ErrMalformed is returned for strings that do not match a known layout.
	ErrMalformed = errors.New("tradeno: malformed out_trade_no")
	ErrTooLong   = errors.New("tradeno: out_trade_no too long")
)

// TradeNo is the typed form of an out_trade_no.
type TradeNo struct {
	PlanID    string
	UserID    string // external identity
	CreatedAt time.Time
}

// New stamps a trade number with t truncated to milliseconds.
func New(planID, userID string, t time.Time) TradeNo {
	return TradeNo{PlanID: planID, UserID: userID, CreatedAt: time.UnixMilli(t.UnixMilli())}
}

// Encode renders the wire form.
func (n TradeNo) Encode() (string, error) {
	if n.PlanID == "" || strings.Contains(n.PlanID, sep) {
		return "", fmt.Errorf("%w: invalid plan id %q", ErrMalformed, n.PlanID)
	}
	if n.UserID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrMalformed)
	}
	s := strings.Join([]string{LayoutPlan, n.PlanID, n.UserID, strconv.FormatInt(n.CreatedAt.UnixMilli(), 10)}, sep)
	if len(s) > MaxLength {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLong, len(s))
	}
	return s, nil
}

// String is Encode without the error; invalid values render empty.
func (n TradeNo) String() string {
	s, err := n.Encode()
	if err != nil {
		return ""
	}
	return s
}

// Decode parses the wire form.
func Decode(s string) (TradeNo, error) {
	parts := strings.Split(s, sep)
	if len(parts) < 4 || parts[0] != LayoutPlan {
		return TradeNo{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	planID := parts[1]
	userID := strings.Join(parts[2:len(parts)-1], sep)
	millis, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil || planID == "" || userID == "" {
		return TradeNo{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	return TradeNo{PlanID: planID, UserID: userID, CreatedAt: time.UnixMilli(millis)}, nil
}
