package usb

import (
	"expvar"
	"net/http"
	"strconv"

	_ "github.com/mkevac/debugcharts"
)

// Diagnostics publishes expvar counters tracking the descriptor pool and
// per-endpoint queue depths, and optionally serves debugcharts' live
// dashboard over HTTP (§4.11). Counters are read lazily by expvar's own
// publish loop, so Diagnostics holds only a reference to the device.
type Diagnostics struct {
	dev *Device
}

// NewDiagnostics registers a fresh set of expvar counters named prefix+"."
// and returns a Diagnostics bound to dev. Call at most once per process per
// prefix; expvar panics on duplicate names.
func NewDiagnostics(dev *Device, prefix string) *Diagnostics {
	d := &Diagnostics{dev: dev}

	expvar.Publish(prefix+".pool.small_free", expvar.Func(func() interface{} {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.ctrl.pool.small)
	}))

	expvar.Publish(prefix+".pool.large_free", expvar.Func(func() interface{} {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.ctrl.pool.large)
	}))

	expvar.Publish(prefix+".refill_queue", expvar.Func(func() interface{} {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.refillQueue
	}))

	expvar.Publish(prefix+".stalls", expvar.Func(func() interface{} {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.stallCount
	}))

	expvar.Publish(prefix+".endpoints.depth", expvar.Func(func() interface{} {
		dev.mu.Lock()
		defer dev.mu.Unlock()

		depths := make(map[string]int, MAX_ENDPOINTS)

		for n := 0; n < MAX_ENDPOINTS; n++ {
			if ep := dev.eps[n]; ep != nil {
				depths[strconv.Itoa(n)] = len(ep.pending)
			}
		}

		return depths
	}))

	return d
}

// ServeDashboard starts debugcharts' HTTP dashboard on addr. It blocks, so
// callers typically run it in its own goroutine; a non-nil error other than
// http.ErrServerClosed indicates the listener failed to start.
func (d *Diagnostics) ServeDashboard(addr string) error {
	return http.ListenAndServe(addr, nil)
}
