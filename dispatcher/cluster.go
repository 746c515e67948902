package dispatcher

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/spikebot/types"
)

// Cluster aggregates a burst of spike events for one symbol. Owned exclusively
// by the dispatcher's event-processing path; reset after finalize.
type Cluster struct {
	Symbol      string
	Epoch       uint64
	Events      []types.SpikeEvent
	WindowStart time.Time
	WindowEnd   time.Time
}

// Fingerprint identifies this cluster cycle for in-flight tracking and
// failure reporting.
func (c *Cluster) Fingerprint() string {
	return c.Symbol + "#" + decimal.NewFromInt(int64(c.Epoch)).String()
}

func (c *Cluster) add(e types.SpikeEvent) {
	if len(c.Events) == 0 {
		c.WindowStart = e.At
	}
	c.Events = append(c.Events, e)
	c.WindowEnd = e.At
}

// Volatility is the standard deviation of per-event percentage changes.
// Clusters with fewer than two measurable events return 0, never NaN.
func (c *Cluster) Volatility() float64 {
	changes := c.percentChanges()
	if len(changes) < 2 {
		return 0
	}

	var sum float64
	for _, v := range changes {
		sum += v
	}
	mean := sum / float64(len(changes))

	var sq float64
	for _, v := range changes {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(changes)))
}

// DirectionCounts returns the number of up-moves and down-moves.
func (c *Cluster) DirectionCounts() (up, down int) {
	for _, e := range c.Events {
		switch e.Direction() {
		case 1:
			up++
		case -1:
			down++
		}
	}
	return up, down
}

// percentChanges returns signed per-event percentage changes. Events with a
// zero previous price carry no measurable relative change and are skipped.
func (c *Cluster) percentChanges() []float64 {
	out := make([]float64, 0, len(c.Events))
	for _, e := range c.Events {
		if e.PreviousPrice.IsZero() {
			continue
		}
		pct := e.CurrentPrice.Sub(e.PreviousPrice).
			Div(e.PreviousPrice.Abs()).
			Mul(decimal.NewFromInt(100))
		f, _ := pct.Float64()
		out = append(out, f)
	}
	return out
}
