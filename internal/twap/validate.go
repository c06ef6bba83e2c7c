package twap

import (
	"regexp"

	"github.com/sawpanic/xgateway/internal/apperr"
	"github.com/sawpanic/xgateway/internal/symbols"
)

// symbolPattern is the server-side symbol validation regex shared by the
// HTTP layer and the TWAP engine.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9\-_.]{1,20}$`)

// ValidSymbol reports whether s passes the server-side symbol regex.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Request is the caller-supplied shape for submitting a TWAP order.
type Request struct {
	OrderID              string
	Owner                string
	Exchange             symbols.Exchange
	Symbol               string
	Side                 Side
	TotalQuantity        float64
	LimitPrice           *float64
	DurationSeconds      int
	SliceIntervalSeconds int
}

// Validate checks a Request's acceptance criteria:
// duration >= slice_interval > 0, quantity > 0, symbol regex, known side,
// known exchange.
func Validate(req Request) error {
	if req.SliceIntervalSeconds <= 0 {
		return apperr.Wrap(apperr.Client, "twap: slice_interval_seconds must be > 0")
	}
	if req.DurationSeconds < req.SliceIntervalSeconds {
		return apperr.Wrap(apperr.Client, "twap: duration_seconds must be >= slice_interval_seconds")
	}
	if req.TotalQuantity <= 0 {
		return apperr.Wrap(apperr.Client, "twap: total_quantity must be > 0")
	}
	if req.Side != Buy && req.Side != Sell {
		return apperr.Wrap(apperr.Client, "twap: side must be buy or sell")
	}
	if !symbols.Valid(req.Exchange) {
		return apperr.Wrap(apperr.Client, "twap: unknown exchange %q", req.Exchange)
	}
	if !symbolPattern.MatchString(req.Symbol) {
		return apperr.Wrap(apperr.Client, "twap: invalid symbol %q", req.Symbol)
	}
	if req.LimitPrice != nil && *req.LimitPrice <= 0 {
		return apperr.Wrap(apperr.Client, "twap: limit_price must be > 0 when set")
	}
	return nil
}

// SliceCount returns S = floor(duration / slice_interval).
func SliceCount(durationSeconds, sliceIntervalSeconds int) int {
	return durationSeconds / sliceIntervalSeconds
}
