package feeds

import (
	"strconv"
	"strings"

	domrepo "PolyPulse/internal/domain/repository"
	"PolyPulse/internal/service/stream"
	applogger "PolyPulse/pkg/logger"

	"github.com/shopspring/decimal"
)

// base wires a stream client to a sink. Adapters only decode.
type base struct {
	name    string
	client  *stream.Client
	sink    domrepo.TickSink
	log     *applogger.Logger
	metrics domrepo.Metrics
}

func newBase(name string, client *stream.Client, sink domrepo.TickSink, log *applogger.Logger, m domrepo.Metrics) base {
	if log == nil {
		log = applogger.Nop()
	}
	return base{
		name:    name,
		client:  client,
		sink:    sink,
		log:     log.With(applogger.String("adapter", name)),
		metrics: m,
	}
}

func (b *base) decodeFailed(err error, data []byte) {
	if b.metrics != nil {
		b.metrics.RecordError("decode_" + b.name)
	}
	b.log.Debug("undecodable message", applogger.Error(err), applogger.String("data", truncate(data, 256)))
}

// Client exposes the underlying stream client.
func (b *base) Client() *stream.Client { return b.client }

// Close closes the underlying stream.
func (b *base) Close() error { return b.client.Close() }

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}

// parsePrice parses a decimal price string. Empty or non-positive strings yield ok=false.
func parsePrice(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// flexInt decodes a JSON number or numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		v = int64(fv)
	}
	*f = flexInt(v)
	return nil
}

// flexDecimal decodes a JSON number or numeric string as a decimal.
type flexDecimal struct {
	decimal.Decimal
	Set bool
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	f.Decimal = d
	f.Set = true
	return nil
}
