package core

import (
	"fmt"
	"strings"
)

// Side is the direction of an order or fill
type Side int8

const (
	Buy  Side = 1  // bid
	Sell Side = -1 // ask
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "bid"
	case Sell:
		return "ask"
	default:
		return "unknown"
	}
}

// Sign returns +1 for bids and -1 for asks
func (s Side) Sign() int64 { return int64(s) }

// Opposite returns the other side of the book
func (s Side) Opposite() Side { return -s }

// Valid reports whether s is Buy or Sell
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "bid"/"ask" (and "buy"/"sell")
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "bid", "buy":
		return Buy, nil
	case "ask", "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("invalid side %q", v)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderType is the execution style requested from the venue
type OrderType string

const (
	Limit           OrderType = "limit"
	IOC             OrderType = "ioc"
	PostOnly        OrderType = "postonly"
	ReduceOnlyIOC   OrderType = "reduceonlyioc"
	ReduceOnlyLimit OrderType = "reduceonlylimit"
	FOK             OrderType = "fok"
)

// ParseOrderType validates an order type name
func ParseOrderType(v string) (OrderType, error) {
	t := OrderType(strings.ToLower(v))
	switch t {
	case Limit, IOC, PostOnly, ReduceOnlyIOC, ReduceOnlyLimit, FOK:
		return t, nil
	}
	return "", fmt.Errorf("invalid order type %q", v)
}

// ReduceOnly reports whether the order may only shrink a position
func (t OrderType) ReduceOnly() bool {
	return t == ReduceOnlyIOC || t == ReduceOnlyLimit
}

// ImmediateOrCancel reports whether any unfilled remainder is canceled by the venue
func (t OrderType) ImmediateOrCancel() bool {
	return t == IOC || t == ReduceOnlyIOC || t == FOK
}
