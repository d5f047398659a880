package extract

import "time"

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testClock = fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
