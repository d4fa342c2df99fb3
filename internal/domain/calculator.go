package domain

import "github.com/shopspring/decimal"

// AmountPlaces — масштаб хранимых сумм (NUMERIC(20,6)). Расчёт округляет до него,
// чтобы пересчёт после чтения из базы давал те же значения.
const AmountPlaces int32 = 6

// Totals — производные суммы заголовка документа.
type Totals struct {
	Subtotal      decimal.Decimal
	TotalDiscount decimal.Decimal
	FinalTotal    decimal.Decimal
}

// LineTotal считает итог строки: max(0, Q*P*(1-Dp/100) - Da).
// Процентная и абсолютная скидки применяются обе, сначала процент.
func LineTotal(line Line) decimal.Decimal {
	if line.Price == nil || !line.Quantity.IsPositive() {
		return decimal.Zero
	}

	total := line.Price.Mul(line.Quantity)
	if line.DiscountPct != nil && line.DiscountPct.IsPositive() {
		total = total.Sub(total.Mul(line.DiscountPct.Div(hundred)))
	}
	if line.DiscountAmount != nil && line.DiscountAmount.IsPositive() {
		total = total.Sub(*line.DiscountAmount)
	}

	if total.IsNegative() {
		return decimal.Zero
	}
	return total.Round(AmountPlaces)
}

// lineDiscount возвращает скидку строки для агрегата: абсолютная скидка, если задана,
// иначе процент от цены*количество.
func lineDiscount(line Line) decimal.Decimal {
	if line.DiscountAmount != nil {
		return *line.DiscountAmount
	}
	if line.Price == nil || line.DiscountPct == nil {
		return decimal.Zero
	}
	return line.Price.Mul(line.Quantity).Mul(*line.DiscountPct).Div(hundred).Round(AmountPlaces)
}

// ComputeTotals агрегирует суммы документа по текущим строкам и скидке на документ.
// Скидки строк учитываются и в subtotal (через итог строки), и в totalDiscount.
func ComputeTotals(lines []Line, headerDiscountPct *decimal.Decimal) Totals {
	subtotal := decimal.Zero
	discount := decimal.Zero

	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal)
		discount = discount.Add(lineDiscount(line))
	}

	if headerDiscountPct != nil && headerDiscountPct.IsPositive() {
		discount = discount.Add(subtotal.Mul(headerDiscountPct.Div(hundred)).Round(AmountPlaces))
	}

	return Totals{
		Subtotal:      subtotal,
		TotalDiscount: discount,
		FinalTotal:    subtotal.Sub(discount),
	}
}

// Recalculate пересчитывает итоги всех строк и заголовка на месте.
func (t *Transaction) Recalculate() Totals {
	for i := range t.Lines {
		t.Lines[i].LineTotal = LineTotal(t.Lines[i])
	}
	totals := ComputeTotals(t.Lines, t.HeaderDiscountPct)
	t.Subtotal = totals.Subtotal
	t.TotalDiscount = totals.TotalDiscount
	t.FinalTotal = totals.FinalTotal
	return totals
}

// Totals возвращает сохранённые производные суммы заголовка.
func (t *Transaction) Totals() Totals {
	return Totals{
		Subtotal:      t.Subtotal,
		TotalDiscount: t.TotalDiscount,
		FinalTotal:    t.FinalTotal,
	}
}

// Equal сравнивает суммы по значению, без учёта масштаба decimal.
func (t Totals) Equal(other Totals) bool {
	return t.Subtotal.Equal(other.Subtotal) &&
		t.TotalDiscount.Equal(other.TotalDiscount) &&
		t.FinalTotal.Equal(other.FinalTotal)
}
