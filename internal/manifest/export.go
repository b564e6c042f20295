package manifest

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
)

const (
	scansSheet   = "Despacho"
	summarySheet = "Resumen"

	// ContentTypeXLSX is the media type of the exported workbook.
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var scanHeaders = []string{"#", "Código", "Hora", "Tipo", "Estado", "Lectura original"}

// FileName is the download name of a batch workbook, e.g. despacho-flex-2026-10-15-2.xlsx.
func FileName(b domain.Batch) string {
	carrier := "flex"
	if b.Carrier == domain.CarrierColecta {
		carrier = "colecta"
	}
	return fmt.Sprintf("despacho-%s-%s-%d.xlsx", carrier, b.BusinessDate.Format("2006-01-02"), b.Sequence)
}

// ExportXLSX writes the batch scans and totals into a two-sheet workbook.
func ExportXLSX(summary domain.ClosureSummary, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // in-memory workbook

	if err := f.SetSheetName("Sheet1", scansSheet); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for i, h := range scanHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		if err := f.SetCellValue(scansSheet, cell, h); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(scansSheet, cell, cell, headerStyle); err != nil {
			return nil, err
		}
	}

	for i, s := range summary.Scans {
		row := []any{
			i + 1,
			s.CanonicalCode,
			s.ScannedAt.In(loc).Format(timeLayout),
			s.Category.Label(),
			s.Outcome.Label(),
			s.RawInput,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(scansSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write scan row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(scansSheet, "B", "B", 22); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(scansSheet, "F", "F", 48); err != nil {
		return nil, err
	}

	b := summary.Batch
	closedAt := ""
	if b.ClosedAt != nil {
		closedAt = b.ClosedAt.In(loc).Format(dateLayout + " " + timeLayout)
	}

	rows := [][]any{
		{"Tipo de Despacho", b.Carrier.Label()},
		{"Fecha", b.BusinessDate.Format(dateLayout)},
		{"Despacho #", b.Sequence},
		{"Empresa de Transporte", orNotAvailable(b.Transporter)},
		{"Matrícula del Vehículo", orNotAvailable(b.VehiclePlate)},
		{"Cierre", closedAt},
		{"Paquetes registrados", summary.Metrics.Total},
		{"OK", summary.Metrics.OK},
		{"Inválidos", summary.Metrics.Invalid},
		{"OK Flex", summary.Metrics.OKByCategory[domain.CategoryFlex]},
		{"OK Etiqueta Districad", summary.Metrics.OKByCategory[domain.CategoryEtiqueta]},
		{"OK Colecta", summary.Metrics.OKByCategory[domain.CategoryColecta]},
		{"Duración del Despacho", FormatDuration(summary.Duration)},
		{"Velocidad promedio (paquetes/min)", FormatThroughput(summary.Throughput)},
	}
	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
			return nil, fmt.Errorf("failed to write summary row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 34); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
