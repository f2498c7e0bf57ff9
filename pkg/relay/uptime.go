// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"time"
)

// FormatUptime renders d as "Xd Yh Zm", dropping leading zero units.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	hours := minutes / 60
	days := hours / 24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours%24, minutes%60)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
