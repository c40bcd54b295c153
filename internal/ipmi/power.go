package ipmi

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/okelmann/fleet/internal/config"
	"github.com/okelmann/fleet/internal/dispatch"
	"github.com/okelmann/fleet/internal/fleet"
)

// FormatError reports sensor output that did not match the expected layout.
type FormatError struct {
	Host   string
	Output string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("ipmi: unrecognized power reading from %s: %q", e.Host, firstLine(e.Output))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var (
	dellPowerRe       = regexp.MustCompile(`Sensor Reading\s*:\s*(\d+)`)
	supermicroPowerRe = regexp.MustCompile(`Instantaneous power reading:\s*(\d+)\s*Watts`)
)

// parseDellPower extracts the wattage from `sdr get "Pwr Consumption"`
// output, e.g. "Sensor Reading        : 154 (+/- 0) Watts".
func parseDellPower(host, out string) (int, error) {
	m := dellPowerRe.FindStringSubmatch(out)
	if m == nil {
		return 0, &FormatError{Host: host, Output: out}
	}
	return strconv.Atoi(m[1])
}

// parseSupermicroPower extracts the wattage from `dcmi power reading`
// output, e.g. "Instantaneous power reading:                   190 Watts".
func parseSupermicroPower(host, out string) (int, error) {
	m := supermicroPowerRe.FindStringSubmatch(out)
	if m == nil {
		return 0, &FormatError{Host: host, Output: out}
	}
	return strconv.Atoi(m[1])
}

// Reading is one host's measured power draw.
type Reading struct {
	Host  fleet.Host
	Watts int
	Err   error
}

// Consumption is the fleet-wide power report.
type Consumption struct {
	Readings []Reading
	Total    int
}

// PowerConsumption measures the current power draw of every dell and
// supermicro host in the registry. Hosts in the supermicro_broken group
// expose no usable sensor and are skipped. A single unreachable controller
// does not abort the sweep; its error is recorded in the reading.
func (c *Console) PowerConsumption(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher) (*Consumption, error) {
	type query struct {
		mfr   string
		args  []string
		parse func(host, out string) (int, error)
	}
	// Fixed manufacturer order keeps the report stable across runs.
	queries := []query{
		{"dell", []string{"sdr", "get", "Pwr Consumption"}, parseDellPower},
		{"supermicro", []string{"dcmi", "power", "reading"}, parseSupermicroPower},
	}

	var hosts []fleet.Host
	byName := make(map[string]query)
	for _, q := range queries {
		for _, h := range cfg.ManufacturerHosts(q.mfr) {
			hosts = append(hosts, h)
			byName[h.ShortName()] = q
		}
	}

	results := d.Run(ctx, hosts, func(ctx context.Context, h fleet.Host) *dispatch.Result {
		q := byName[h.ShortName()]
		out, err := c.Run(ctx, h, q.args...)
		if err != nil {
			return &dispatch.Result{Host: h, Err: err}
		}
		watts, err := q.parse(h.ShortName(), string(out.Stdout))
		return &dispatch.Result{Host: h, Stdout: out.Stdout, Err: err, Value: watts}
	})

	report := &Consumption{}
	for _, r := range results {
		reading := Reading{Host: r.Host, Err: r.Err}
		if r.Err == nil {
			reading.Watts = r.Value.(int)
			report.Total += reading.Watts
		}
		report.Readings = append(report.Readings, reading)
	}
	return report, nil
}
