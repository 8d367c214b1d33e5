package deribit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"optionflow/models"
)

// DecodeTicker converts one inbound frame into a normalized option record.
//
// Frames that are not ticker push notifications (responses, pongs,
// heartbeats, other channels) return (nil, nil). Malformed ticker payloads
// return (nil, *DecodeError) so the caller can log and move on; a corrupt
// message never terminates the session.
func DecodeTicker(frame models.Frame) (*models.OptionRecord, error) {
	if !frame.IsNotification() {
		return nil, nil
	}
	if !strings.HasPrefix(frame.Params.Channel, "ticker.") {
		return nil, nil
	}
	if len(frame.Params.Data) == 0 {
		return nil, &DecodeError{Channel: frame.Params.Channel, Err: fmt.Errorf("empty payload")}
	}

	var ticker models.TickerPayload
	if err := json.Unmarshal(frame.Params.Data, &ticker); err != nil {
		return nil, &DecodeError{Channel: frame.Params.Channel, Err: err}
	}
	if ticker.InstrumentName == "" {
		return nil, &DecodeError{Channel: frame.Params.Channel, Err: fmt.Errorf("missing instrument_name")}
	}

	record := &models.OptionRecord{
		InstrumentName: ticker.InstrumentName,
		Volatility:     ticker.MarkIV,
		ObservedAt:     observedAt(ticker.Timestamp),
	}

	// Mark price is preferred; the feed falls back to last price for
	// thinly traded instruments.
	switch {
	case ticker.MarkPrice != nil:
		record.Price = ticker.MarkPrice
	case ticker.LastPrice != nil:
		record.Price = ticker.LastPrice
	}

	if ticker.Greeks != nil {
		record.Delta = ticker.Greeks.Delta
	}

	return record, nil
}

// observedAt converts the feed's epoch-millisecond timestamp, defaulting to
// the ingestion time when the field is absent or zero.
func observedAt(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
