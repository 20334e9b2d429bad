package notifier

import (
	"errors"
	"time"
)

var ErrStopped = errors.New("notifier stopped")

// Config controls the delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int // per worker
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Stats are cumulative delivery counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

type job struct {
	room  string
	plain string
	html  string
}
