package model

import "time"

// ChartConfig controls the resampling of price history onto the daily grid.
type ChartConfig struct {
	// Days is the lookback window length.
	Days int
	// BeginPrice back-fills days before the first recorded sample.
	BeginPrice int
}

// ChartData is the payload consumed by chart-rendering front-end code.
type ChartData struct {
	ID     string   `json:"id"`
	Labels []string `json:"labels"`
	Points []int    `json:"points"`
}

// ChartPoints resamples the price history onto a fixed daily grid spanning
// the lookback window ending at now. Each grid day carries the last price
// recorded up to the end of that day; gaps are forward-filled and days
// before the first sample fall back to BeginPrice.
//
// An event created inside the window gets a truncated series starting at
// its creation day, so the chart never shows days the event did not exist.
func (e *Event) ChartPoints(now time.Time, cfg ChartConfig) ChartData {
	dayStart := func(t time.Time) time.Time {
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}

	today := dayStart(now)
	first := today.AddDate(0, 0, -cfg.Days)
	if created := dayStart(e.CreatedAt); created.After(first) {
		first = created
	}

	// Events created today still get one grid day (today itself), so the
	// series is never empty.
	last := today
	if !first.Before(last) {
		last = first.AddDate(0, 0, 1)
	}

	labels := []string{}
	points := []int{}
	for day := first; day.Before(last); day = day.AddDate(0, 0, 1) {
		labels = append(labels, day.Format("2 Jan"))
		endOfDay := day.AddDate(0, 0, 1).Add(-time.Nanosecond)
		points = append(points, e.PriceAt(endOfDay, cfg.BeginPrice))
	}

	return ChartData{ID: e.ID, Labels: labels, Points: points}
}
