package email

import "time"

// SetClock replaces the pool's time source.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}
