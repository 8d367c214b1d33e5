package collector

import (
	"time"

	"optionflow/models"
)

// SelectInstruments picks up to limit instrument names that are active and
// not yet expired at now, preserving the discovery order.
func SelectInstruments(instruments []models.Instrument, limit int, now time.Time) []string {
	if limit <= 0 {
		return nil
	}
	names := make([]string, 0, limit)
	for _, inst := range instruments {
		if !inst.IsActive || inst.Expired(now) {
			continue
		}
		names = append(names, inst.InstrumentName)
		if len(names) == limit {
			break
		}
	}
	return names
}
