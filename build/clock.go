package build

import "github.com/raulk/clock"

// Clock is the global clock for the system. In standard builds,
// we use a real-time clock, which maps to the `time` package.
//
// Tests that need control of time can replace this variable with
// clock.NewMock(). Otherwise, they can rely on clock.Clock passed
// explicitly to the component under test.
var Clock = clock.New()
