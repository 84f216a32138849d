package ledger

import (
	"strconv"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the ISO code amounts are displayed in.
const Currency = money.INR

// FormatAmount renders whole currency units with Indian digit grouping,
// e.g. "₹1,23,456".
func FormatAmount(units int64) string {
	if units < 0 {
		// Negate in uint64 so MinInt64 does not overflow.
		return formatDigits(true, strconv.FormatUint(-uint64(units), 10))
	}
	return formatDigits(false, strconv.FormatInt(units, 10))
}

// FormatTotal is FormatAmount for sums that may exceed int64. Any
// fractional part is dropped.
func FormatTotal(d decimal.Decimal) string {
	d = d.Truncate(0)
	return formatDigits(d.IsNegative(), d.Abs().String())
}

func formatDigits(negative bool, digits string) string {
	cur := money.GetCurrency(Currency)
	s := strings.Replace(cur.Template, "1", groupLakh(digits, cur.Thousand), 1)
	s = strings.Replace(s, "$", cur.Grapheme, 1)
	if negative {
		s = "-" + s
	}
	return s
}

// groupLakh separates the last three digits, then every two: 12345678
// becomes 1,23,45,678.
func groupLakh(digits, sep string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]
	var b strings.Builder
	for i, r := range head {
		if i > 0 && (len(head)-i)%2 == 0 {
			b.WriteString(sep)
		}
		b.WriteRune(r)
	}
	b.WriteString(sep)
	b.WriteString(tail)
	return b.String()
}
