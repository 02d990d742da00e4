package pdf

import (
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type ReceiptLine struct {
	Title     string
	Author    string
	UnitPrice string
}

type ReceiptData struct {
	StoreName     string
	ReceiptNumber string
	OrderID       string
	DatePaid      string
	PaidBy        string
	PaymentMethod string
	GatewayRef    string
	Lines         []ReceiptLine
	Total         string
}

// Render lays out a single-page receipt and returns the PDF bytes.
func Render(data ReceiptData) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(6, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(6, data.StoreName, props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Receipt number: "+data.ReceiptNumber, props.Text{Top: 0}),
			text.New("Order: "+data.OrderID, props.Text{Top: 4}),
			text.New("Date paid: "+data.DatePaid, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Paid by", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(data.PaidBy, props.Text{Top: 4, Align: align.Right}),
			text.New(paymentLine(data), props.Text{Top: 8, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, data.Total+" paid on "+data.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Title", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Author", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, item := range data.Lines {
		m.AddRow(10,
			text.NewCol(6, item.Title, props.Text{Size: 9}),
			text.NewCol(4, item.Author, props.Text{Size: 9}),
			text.NewCol(2, item.UnitPrice, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(2, data.Total, props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}

func paymentLine(data ReceiptData) string {
	if data.GatewayRef == "" {
		return data.PaymentMethod
	}
	return data.PaymentMethod + " " + data.GatewayRef
}
