/*
Package billing sells irrigation turns and reverses them.

PURPOSE:
  Every sale is one database transaction that resolves the parcel's crop
  cycle, takes the next global folio and writes one receipt per irrigation.
  Every reversal is one transaction that soft-deletes a receipt, corrects the
  cycle counter and, when the receipt was the last folio handed out, rewinds
  the folio sequence.

KEY TYPES:
  Ledger: issue, reverse, receipt reads, day close, folio and cycle-label
          administration, statistics
  Cycles: explicit crop-cycle management (start, close, change crop)

CROP CYCLE STATES:

	None ──Start/Issue(new)──► Active ──Close/Start/Issue(new)──► Closed
	                            │
	                            └── Reverse of its only receipt ──► deleted

FOLIOS:
  All receipts of one sale share folio F and the counter moves to F+1 once.
  Reversing a receipt of an older folio leaves a permanent gap.

SEE ALSO:
  - ledger/store.go: the TxStore both services run on
  - ledger/rates.go: price per hectare
*/
package billing

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/warp/irrigation-ledger/ledger"
)

type options struct {
	clock ledger.Clock
	log   zerolog.Logger
}

type Option func(*options)

func WithClock(c ledger.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: ledger.SystemClock, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// currentLabel reads ciclo_actual, falling back to the default label.
func currentLabel(ctx context.Context, s ledger.Settings) (string, error) {
	label, ok, err := s.GetSetting(ctx, ledger.SettingCycle)
	if err != nil {
		return "", err
	}
	if !ok || label == "" {
		return ledger.DefaultCycleLabel, nil
	}
	return label, nil
}

// sellableParcel loads a parcel that can be billed.
func sellableParcel(ctx context.Context, s ledger.ParcelStore, id ledger.ParcelID) (*ledger.Parcel, error) {
	p, err := s.GetParcel(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Active {
		return nil, ledger.ErrParcelNotFound
	}
	return p, nil
}
