package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/bookpay/internal/revenue"
)

// Data is everything printed on a booking receipt. Amounts are in sen.
type Data struct {
	BookingID     string
	BillID        string
	PaidAt        time.Time
	CustomerName  string
	CustomerEmail string
	Address       string
	PaymentMethod string
	Items         []Line

	ServiceSubtotal int64
	TravelCost      int64
	PlatformFee     int64
	Discount        int64
	CreditApplied   int64
	AmountPaid      int64
	PointsEarned    int64
}

type Line struct {
	Name            string
	DurationMinutes int
	Price           int64
}

// FileName is the download name for the receipt.
func FileName(d Data) string {
	return slug.Make("receipt "+d.CustomerName+" "+d.BookingID) + ".pdf"
}

// Render lays the receipt out as a single-page PDF.
func Render(d Data) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Booking receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "PAID", props.Text{
			Size:  16,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New("Booking: "+d.BookingID, props.Text{Top: 0}),
			text.New("Bill: "+d.BillID, props.Text{Top: 5}),
			text.New("Paid on: "+d.PaidAt.Format("02 Jan 2006 15:04 MST"), props.Text{Top: 10}),
			text.New("Method: "+paymentMethodLabel(d.PaymentMethod), props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold}),
			text.New(d.CustomerName, props.Text{Top: 5}),
			text.New(d.CustomerEmail, props.Text{Top: 10}),
			text.New(d.Address, props.Text{Top: 15}),
		),
	)

	m.AddRow(10,
		text.NewCol(7, "Service", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Duration", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, item := range d.Items {
		duration := ""
		if item.DurationMinutes > 0 {
			duration = fmt.Sprintf("%d min", item.DurationMinutes)
		}
		m.AddRow(8,
			text.NewCol(7, item.Name, props.Text{Size: 9}),
			text.NewCol(2, duration, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, revenue.FormatMYR(item.Price), props.Text{Size: 9, Align: align.Right}),
		)
	}

	totals := []struct {
		label  string
		amount int64
		show   bool
	}{
		{"Services", d.ServiceSubtotal, true},
		{"Travel", d.TravelCost, d.TravelCost > 0},
		{"Platform fee", d.PlatformFee, true},
		{"Voucher", -d.Discount, d.Discount > 0},
		{"Credit", -d.CreditApplied, d.CreditApplied > 0},
	}
	for _, row := range totals {
		if !row.show {
			continue
		}
		m.AddRow(7,
			col.New(7),
			text.NewCol(2, row.label, props.Text{Size: 9}),
			text.NewCol(3, revenue.FormatMYR(row.amount), props.Text{Size: 9, Align: align.Right}),
		)
	}
	m.AddRow(10,
		col.New(7),
		text.NewCol(2, "Paid", props.Text{Size: 10, Style: fontstyle.Bold}),
		text.NewCol(3, revenue.FormatMYR(d.AmountPaid), props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
	)

	if d.PointsEarned > 0 {
		m.AddRow(12,
			text.NewCol(12, fmt.Sprintf("You earned %d points with this booking.", d.PointsEarned), props.Text{
				Size: 9,
				Top:  4,
			}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func paymentMethodLabel(method string) string {
	switch method {
	case "card":
		return "Card"
	case "bank_transfer":
		return "Online banking (FPX)"
	default:
		return strings.TrimSpace(method)
	}
}
