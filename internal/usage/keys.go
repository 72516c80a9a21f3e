package usage

import (
	"strconv"
	"time"
)

// Metric names a counted resource.
type Metric string

const (
	EmailsSent     Metric = "emails_sent"
	EmailsReceived Metric = "emails_received"
	Uploads        Metric = "uploads"
	Downloads      Metric = "downloads"
	StorageBytes   Metric = "storage_bytes"
)

const monthLayout = "2006-01"

// Month returns the billing period label (UTC) for t.
func Month(t time.Time) string { return t.UTC().Format(monthLayout) }

// ParseMonth parses a YYYY-MM label.
func ParseMonth(s string) (time.Time, error) { return time.Parse(monthLayout, s) }

// MonthlyKey returns usage:{user}:{metric}:{YYYY-MM}.
func MonthlyKey(userID int64, metric Metric, month string) string {
	return LifetimeKey(userID, metric) + ":" + month
}

// LifetimeKey returns usage:{user}:{metric}.
func LifetimeKey(userID int64, metric Metric) string {
	return "usage:" + strconv.FormatInt(userID, 10) + ":" + string(metric)
}

// rateKeys returns the window-start and count keys for a fixed-window counter.
func rateKeys(userID int64, metric Metric) (window, count string) {
	base := "rate_limit:" + strconv.FormatInt(userID, 10) + ":" + string(metric)
	return base + ":window", base + ":count"
}
