// Package report renders payment ledgers as spreadsheets for finance staff.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"skyfi-billing/internal/models"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	PaymentsSheet = "Payments"
	SummarySheet  = "Summary"
)

var paymentHeader = []interface{}{
	"Reference", "User", "Package", "Amount", "Currency", "Status",
	"Failure Reason", "Subscription", "Created", "Updated",
}

// Summary aggregates a payment list per status.
type Summary struct {
	Count   map[models.PaymentStatus]int
	Settled decimal.Decimal
}

// Summarize counts payments per status and totals the completed amounts.
func Summarize(payments []models.Payment) Summary {
	s := Summary{Count: map[models.PaymentStatus]int{}, Settled: decimal.Zero}
	for _, p := range payments {
		s.Count[p.Status]++
		if p.Status == models.PaymentCompleted {
			s.Settled = s.Settled.Add(p.Amount)
		}
	}
	return s
}

// WritePayments writes an XLSX workbook with one row per payment plus a
// summary sheet.
func WritePayments(w io.Writer, payments []models.Payment) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", PaymentsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := setRow(f, PaymentsSheet, 1, paymentHeader); err != nil {
		return err
	}
	for i, p := range payments {
		sub := ""
		if p.SubscriptionID != nil {
			sub = fmt.Sprintf("%d", *p.SubscriptionID)
		}
		row := []interface{}{
			p.PaymentReference, p.UserID, packageLabel(p), p.Amount.String(), p.Currency,
			string(p.Status), p.FailureReason, sub,
			p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := setRow(f, PaymentsSheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summary := Summarize(payments)
	if err := setRow(f, SummarySheet, 1, []interface{}{"Status", "Payments"}); err != nil {
		return err
	}
	statuses := make([]string, 0, len(summary.Count))
	for status := range summary.Count {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	rowIdx := 2
	for _, status := range statuses {
		if err := setRow(f, SummarySheet, rowIdx, []interface{}{status, summary.Count[models.PaymentStatus(status)]}); err != nil {
			return err
		}
		rowIdx++
	}
	if err := setRow(f, SummarySheet, rowIdx+1, []interface{}{"Settled Amount", summary.Settled.String()}); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func packageLabel(p models.Payment) string {
	if p.PackageName != "" {
		return p.PackageName
	}
	return fmt.Sprintf("#%d", p.PackageID)
}
