package domain

import "github.com/smallbiznis/bookpay/internal/revenue"

// CalculateDiscount returns the discount in sen a voucher grants on subtotal.
// It never exceeds the subtotal.
func CalculateDiscount(v Voucher, subtotal int64) int64 {
	if subtotal <= 0 || subtotal < v.MinSpend || v.Value <= 0 {
		return 0
	}

	var discount int64
	switch v.Type {
	case VoucherTypeFixed:
		discount = v.Value
	case VoucherTypePercentage:
		discount = revenue.RoundHalfUpPercent(subtotal, v.Value)
		if v.MaxDiscount != nil && discount > *v.MaxDiscount {
			discount = *v.MaxDiscount
		}
	default:
		return 0
	}

	if discount > subtotal {
		discount = subtotal
	}
	return discount
}
