package store

import (
	"github.com/shopspring/decimal"
)

// scanner is the common Scan method of pgx and database/sql rows.
type scanner interface {
	Scan(dest ...any) error
}

// dec parses a NUMERIC column read back as text. Columns are written from
// decimal.String, so a parse failure leaves zero.
func dec(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func nullDec(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(dec(*s))
}

// nullDecArg converts an optional decimal into a query argument.
func nullDecArg(n decimal.NullDecimal) any {
	if !n.Valid {
		return nil
	}
	return n.Decimal.String()
}
