// Package plans holds the static per-plan limits table.
package plans

import "PulseQueue/internal/models"

// Unlimited marks a limit with no upper bound.
const Unlimited int64 = -1

const (
	mb = int64(1024 * 1024)
	gb = 1024 * mb
)

type Limits struct {
	EmailsPerMonth     int64 `json:"emailsPerMonth"`
	EmailsPerMinute    int64 `json:"emailsPerMinute"`
	StorageBytes       int64 `json:"storageBytes"`
	MaxUploadBytes     int64 `json:"maxUploadBytes"`
	UploadsPerMinute   int64 `json:"uploadsPerMinute"`
	DownloadsPerMinute int64 `json:"downloadsPerMinute"`
}

var table = map[models.Plan]Limits{
	models.PlanFree: {
		EmailsPerMonth:     500,
		EmailsPerMinute:    5,
		StorageBytes:       5 * gb,
		MaxUploadBytes:     50 * mb,
		UploadsPerMinute:   10,
		DownloadsPerMinute: 30,
	},
	models.PlanPro: {
		EmailsPerMonth:     500,
		EmailsPerMinute:    20,
		StorageBytes:       50 * gb,
		MaxUploadBytes:     2 * gb,
		UploadsPerMinute:   60,
		DownloadsPerMinute: 120,
	},
	models.PlanEnterprise: {
		EmailsPerMonth:     Unlimited,
		EmailsPerMinute:    100,
		StorageBytes:       Unlimited,
		MaxUploadBytes:     Unlimited,
		UploadsPerMinute:   300,
		DownloadsPerMinute: 600,
	},
}

// For returns the limits of p, falling back to FREE for unknown plans.
func For(p models.Plan) Limits {
	if l, ok := table[p]; ok {
		return l
	}
	return table[models.PlanFree]
}

// IsUnlimited reports whether limit is the unbounded sentinel.
func IsUnlimited(limit int64) bool {
	return limit < 0
}

// Within reports whether used+n stays inside limit.
func Within(limit, used, n int64) bool {
	return IsUnlimited(limit) || used+n <= limit
}
