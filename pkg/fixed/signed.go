package fixed

// Signed carries pnl and funding quantities, which are the only signed
// values in the system. Zero is always normalized to non-negative so that
// equality checks are simple struct compares.
type Signed struct {
	Neg bool
	Mag Amount
}

// Pos wraps an Amount as a non-negative Signed.
func Pos(a Amount) Signed { return Signed{Mag: a} }

// NegOf wraps an Amount as a non-positive Signed.
func NegOf(a Amount) Signed {
	if a.IsZero() {
		return Signed{}
	}
	return Signed{Neg: true, Mag: a}
}

// Diff returns a−b as a Signed, never failing.
func Diff(a, b Amount) Signed {
	if a.Gte(b) {
		return Signed{Mag: a.SatSub(b)}
	}
	return Signed{Neg: true, Mag: b.SatSub(a)}
}

func (s Signed) IsZero() bool { return s.Mag.IsZero() }

// Negate flips the sign.
func (s Signed) Negate() Signed {
	if s.Mag.IsZero() {
		return Signed{}
	}
	return Signed{Neg: !s.Neg, Mag: s.Mag}
}

// Add returns s+o.
func (s Signed) Add(o Signed) (Signed, error) {
	if s.Neg == o.Neg {
		sum, err := s.Mag.Add(o.Mag)
		if err != nil {
			return Signed{}, err
		}
		if sum.IsZero() {
			return Signed{}, nil
		}
		return Signed{Neg: s.Neg, Mag: sum}, nil
	}
	// Opposite signs: larger magnitude wins.
	if s.Mag.Gte(o.Mag) {
		mag := s.Mag.SatSub(o.Mag)
		if mag.IsZero() {
			return Signed{}, nil
		}
		return Signed{Neg: s.Neg, Mag: mag}, nil
	}
	return Signed{Neg: o.Neg, Mag: o.Mag.SatSub(s.Mag)}, nil
}

// Sub returns s−o.
func (s Signed) Sub(o Signed) (Signed, error) { return s.Add(o.Negate()) }

// AddAmount returns s+a.
func (s Signed) AddAmount(a Amount) (Signed, error) { return s.Add(Pos(a)) }

// SubAmount returns s−a.
func (s Signed) SubAmount(a Amount) (Signed, error) { return s.Add(NegOf(a)) }

// MulDiv scales the magnitude by b/denom, truncating, preserving sign.
func (s Signed) MulDiv(b, denom Amount) (Signed, error) {
	mag, err := MulDiv(s.Mag, b, denom)
	if err != nil {
		return Signed{}, err
	}
	if mag.IsZero() {
		return Signed{}, nil
	}
	return Signed{Neg: s.Neg, Mag: mag}, nil
}

// ApplyTo adds the signed value to an unsigned balance. A result below zero
// is an underflow error; callers that tolerate shortfalls must cap first.
func (s Signed) ApplyTo(balance Amount) (Amount, error) {
	if s.Neg {
		return balance.Sub(s.Mag)
	}
	return balance.Add(s.Mag)
}

// Cmp returns -1, 0, +1 comparing s against o.
func (s Signed) Cmp(o Signed) int {
	switch {
	case s.Neg && !o.Neg:
		return -1
	case !s.Neg && o.Neg:
		return 1
	case s.Neg: // both negative
		return o.Mag.Cmp(s.Mag)
	default:
		return s.Mag.Cmp(o.Mag)
	}
}

func (s Signed) Dec() string {
	if s.Neg {
		return "-" + s.Mag.Dec()
	}
	return s.Mag.Dec()
}

func (s Signed) String() string { return s.Dec() }

// SignedFromDecimal parses an optionally minus-prefixed decimal string.
func SignedFromDecimal(str string) (Signed, error) {
	neg := false
	if len(str) > 0 && str[0] == '-' {
		neg = true
		str = str[1:]
	}
	mag, err := FromDecimal(str)
	if err != nil {
		return Signed{}, err
	}
	if mag.IsZero() {
		return Signed{}, nil
	}
	return Signed{Neg: neg, Mag: mag}, nil
}

func (s Signed) MarshalText() ([]byte, error) { return []byte(s.Dec()), nil }

func (s *Signed) UnmarshalText(text []byte) error {
	parsed, err := SignedFromDecimal(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
