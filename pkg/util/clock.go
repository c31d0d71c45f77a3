package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
	NewTicker(d time.Duration) *time.Ticker
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }
