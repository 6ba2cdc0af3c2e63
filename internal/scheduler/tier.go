package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a named throughput policy.
type Tier string

const (
	Slow   Tier = "slow"
	Medium Tier = "medium"
	Fast   Tier = "fast"
)

// Interval is the minimum gap between two releases.
func (t Tier) Interval() time.Duration {
	switch t {
	case Slow:
		return 60 * time.Second
	case Fast:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}

func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case Slow, Medium, Fast:
		return t, nil
	case "":
		return Medium, nil
	default:
		return "", fmt.Errorf("unknown speed tier %q", s)
	}
}
