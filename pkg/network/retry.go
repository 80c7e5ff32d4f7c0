package network

import "time"

// Retry is a doubling backoff between min and max.
type Retry struct {
	t        time.Duration
	min, max time.Duration
	sleep    func(time.Duration)
}

func NewRetry(min, max time.Duration) Retry {
	return Retry{t: min, min: min, max: max, sleep: time.Sleep}
}

// Fail waits for the current delay and doubles it for the next failure.
func (r *Retry) Fail() time.Duration {
	d := r.t
	r.sleep(d)
	if r.t *= 2; r.t > r.max {
		r.t = r.max
	}
	return d
}

func (r *Retry) Success()            { r.t = r.min }
func (r *Retry) Time() time.Duration { return r.t }
