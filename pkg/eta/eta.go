// Package eta estimates how long a cart takes to be ready. The estimate is
// taken once at placement and frozen into the order.
package eta

import (
	"time"

	"github.com/example/campuseats/pkg/models"
)

const (
	BaseMinutes        = 3
	SmallBatchBuffer   = 2
	LargeBatchBuffer   = 4
	PeakHourBuffer     = 5
	MultiStationBuffer = 3

	smallBatchOver    = 3
	largeBatchOver    = 6
	multiStationCount = 2
)

// Breakdown lists every component of an estimate in minutes.
type Breakdown struct {
	Base     int `json:"base"`
	Prep     int `json:"prep"`
	Quantity int `json:"quantity"`
	Peak     int `json:"peak"`
	Category int `json:"category"`
	Total    int `json:"total"`
}

// ReadyAt is the wall-clock time the estimate points at.
func (b Breakdown) ReadyAt(now time.Time) time.Time {
	return now.Add(time.Duration(b.Total) * time.Minute)
}

// Estimate computes the ready-time breakdown for items placed at now. The
// peak-hour check uses now's own location.
func Estimate(items []models.LineItem, now time.Time) Breakdown {
	b := Breakdown{Base: BaseMinutes}

	qty := 0
	categories := make(map[string]struct{}, len(items))
	for _, li := range items {
		if li.MenuItem.PreparationTime > b.Prep {
			b.Prep = li.MenuItem.PreparationTime
		}
		qty += li.Quantity
		categories[li.MenuItem.Category] = struct{}{}
	}

	switch {
	case qty > largeBatchOver:
		b.Quantity = LargeBatchBuffer
	case qty > smallBatchOver:
		b.Quantity = SmallBatchBuffer
	}

	if IsPeakHour(now) {
		b.Peak = PeakHourBuffer
	}

	if len(categories) > multiStationCount {
		b.Category = MultiStationBuffer
	}

	b.Total = b.Base + b.Prep + b.Quantity + b.Peak + b.Category
	return b
}

// IsPeakHour reports whether t falls in the breakfast (08:30-09:15), lunch
// (11:00-14:00) or dinner (17:00-19:00) rush. Upper bounds are exclusive.
func IsPeakHour(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	switch {
	case minute >= 8*60+30 && minute < 9*60+15:
		return true
	case minute >= 11*60 && minute < 14*60:
		return true
	case minute >= 17*60 && minute < 19*60:
		return true
	}
	return false
}
