package fees

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/irrigation-ledger/ledger"
)

// Summary is the collection state of one fee type.
type Summary struct {
	FeeType     ledger.FeeType
	Assigned    int
	Paid        int
	Pending     int
	Total       decimal.Decimal
	Collected   decimal.Decimal
	Outstanding decimal.Decimal
}

// Stats aggregates every fee type, active or not.
type Stats struct {
	FeeTypes    int
	Obligations int
	Paid        int
	Pending     int
	Total       decimal.Decimal
	Collected   decimal.Decimal
	Outstanding decimal.Decimal
}

func (l *Ledger) Summary(ctx context.Context, id ledger.FeeTypeID) (*Summary, error) {
	ft, err := feeType(ctx, l.store, id)
	if err != nil {
		return nil, err
	}
	return l.summarize(ctx, *ft)
}

// Overview returns the summary of every active fee type.
func (l *Ledger) Overview(ctx context.Context) ([]Summary, error) {
	types, err := l.store.ListFeeTypes(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(types))
	for _, ft := range types {
		s, err := l.summarize(ctx, ft)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	types, err := l.store.ListFeeTypes(ctx, false)
	if err != nil {
		return nil, err
	}
	st := &Stats{FeeTypes: len(types), Total: decimal.Zero, Collected: decimal.Zero, Outstanding: decimal.Zero}
	for _, ft := range types {
		s, err := l.summarize(ctx, ft)
		if err != nil {
			return nil, err
		}
		st.Obligations += s.Assigned
		st.Paid += s.Paid
		st.Pending += s.Pending
		st.Total = st.Total.Add(s.Total)
		st.Collected = st.Collected.Add(s.Collected)
		st.Outstanding = st.Outstanding.Add(s.Outstanding)
	}
	return st, nil
}

func (l *Ledger) summarize(ctx context.Context, ft ledger.FeeType) (*Summary, error) {
	obligations, err := l.store.ObligationsByFeeType(ctx, ft.ID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		FeeType:     ft,
		Assigned:    len(obligations),
		Total:       decimal.Zero,
		Collected:   decimal.Zero,
		Outstanding: decimal.Zero,
	}
	for _, o := range obligations {
		s.Total = s.Total.Add(o.Amount)
		if o.Paid {
			s.Paid++
			s.Collected = s.Collected.Add(o.Amount)
		} else {
			s.Pending++
			s.Outstanding = s.Outstanding.Add(o.Amount)
		}
	}
	return s, nil
}
