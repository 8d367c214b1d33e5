package models

import "time"

// TickerPayload mirrors the data block of a Deribit ticker.<instrument>.raw
// notification. Pointer fields are independently optional: the feed omits
// greeks for some instruments and may publish either mark or last price.
type TickerPayload struct {
	InstrumentName string         `json:"instrument_name"`
	MarkPrice      *float64       `json:"mark_price,omitempty"`
	LastPrice      *float64       `json:"last_price,omitempty"`
	MarkIV         *float64       `json:"mark_iv,omitempty"`
	Greeks         *GreeksPayload `json:"greeks,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	State          string         `json:"state,omitempty"`
}

// GreeksPayload carries the option greeks of a ticker notification.
type GreeksPayload struct {
	Delta *float64 `json:"delta,omitempty"`
	Gamma *float64 `json:"gamma,omitempty"`
	Vega  *float64 `json:"vega,omitempty"`
	Theta *float64 `json:"theta,omitempty"`
	Rho   *float64 `json:"rho,omitempty"`
}

// OptionRecord is the normalized record handed to the storage sink.
// InstrumentName is always non-empty; the numeric fields are nil when the
// feed omitted them.
type OptionRecord struct {
	ID             int64     `db:"id" json:"id,omitempty"`
	InstrumentName string    `db:"instrument_name" json:"instrument_name"`
	Price          *float64  `db:"price" json:"price,omitempty"`
	Volatility     *float64  `db:"volatility" json:"volatility,omitempty"`
	Delta          *float64  `db:"delta" json:"delta,omitempty"`
	ObservedAt     time.Time `db:"observed_at" json:"observed_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at,omitempty"`
}

// Instrument is one descriptor from the public/get_instruments response.
type Instrument struct {
	InstrumentName      string `json:"instrument_name"`
	IsActive            bool   `json:"is_active"`
	ExpirationTimestamp int64  `json:"expiration_timestamp"`
	Kind                string `json:"kind,omitempty"`
	BaseCurrency        string `json:"base_currency,omitempty"`
}

// Expired reports whether the instrument's expiry (epoch milliseconds) is
// at or before the given time.
func (i Instrument) Expired(now time.Time) bool {
	return i.ExpirationTimestamp <= now.UnixMilli()
}

// Stats summarises the contents of the option data store.
type Stats struct {
	TotalRecords      int64      `json:"total_records"`
	UniqueInstruments int64      `json:"unique_instruments"`
	LatestObservedAt  *time.Time `json:"latest_observed_at,omitempty"`
}
