package model

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// 金額はすべて最小通貨単位のint64で持つ。表示用の小数桁数。
const MinorUnitDigits = 2

var ErrAmountOverflow = errors.New("amount overflow")

// 単価×数量。負数とオーバーフローはエラー
func LineSubtotal(unitPrice, qty int64) (int64, error) {
	if unitPrice < 0 || qty < 0 {
		return 0, ErrAmountOverflow
	}
	if qty != 0 && unitPrice > math.MaxInt64/qty {
		return 0, ErrAmountOverflow
	}
	return unitPrice * qty, nil
}

func AddAmount(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrAmountOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrAmountOverflow
	}
	return a + b, nil
}

// 1000 -> "10.00"
func FormatAmount(minor int64) string {
	return decimal.New(minor, -MinorUnitDigits).StringFixed(MinorUnitDigits)
}
