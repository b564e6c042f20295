// Package manifest turns a closed batch into the artifacts sent to the back office:
// the plaintext closing email and the spreadsheet export.
package manifest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
)

const (
	lineBreak  = "\r\n"
	dateLayout = "02/01/2006"
	timeLayout = "15:04:05"
	notAvail   = "N/A"
)

// Message is a rendered closing manifest.
type Message struct {
	Subject string
	Body    string
}

// Render builds the closing email. Times are shown in loc; the business date is a calendar
// date and is printed as stored.
func Render(summary domain.ClosureSummary, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}

	b := summary.Batch
	carrier := b.Carrier.Label()
	date := b.BusinessDate.Format(dateLayout)

	closedAt := "-"
	if b.ClosedAt != nil {
		closedAt = b.ClosedAt.In(loc).Format(timeLayout)
	}

	lines := []string{
		"Tipo de Despacho: " + carrier,
		"Empresa de Transporte: " + orNotAvailable(b.Transporter),
		"Matrícula del Vehículo: " + orNotAvailable(b.VehiclePlate),
		"",
		fmt.Sprintf("Resumen del Despacho día %s / Hora de Cierre: %s", date, closedAt),
		fmt.Sprintf("Despacho #: %d", b.Sequence),
		"",
		fmt.Sprintf("Paquetes registrados: %d", summary.Metrics.Total),
		fmt.Sprintf("- OK: %d", summary.Metrics.OK),
		fmt.Sprintf("- Inválidos: %d", summary.Metrics.Invalid),
		"",
		"Duración del Despacho: " + FormatDuration(summary.Duration),
		fmt.Sprintf("Velocidad promedio: %s paquetes/min", FormatThroughput(summary.Throughput)),
		"",
		"Listado de ventas despachadas:",
		"",
	}
	for _, s := range summary.Scans {
		lines = append(lines, ScanLine(s, loc))
	}

	return Message{
		Subject: fmt.Sprintf("📦 Despacho %s - %s #%d", carrier, date, b.Sequence),
		Body:    strings.Join(lines, lineBreak),
	}
}

// ScanLine renders one entry of the dispatched list.
func ScanLine(s domain.Scan, loc *time.Location) string {
	return fmt.Sprintf("> %s  /  %s  /  %s  /  %s",
		s.CanonicalCode,
		s.ScannedAt.In(loc).Format(timeLayout),
		s.Category.Label(),
		s.Outcome.Label(),
	)
}

// FormatDuration renders d as HH:MM:SS; hours may exceed 24.
func FormatDuration(d time.Duration) string {
	total := max(int64(d/time.Second), 0)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// FormatThroughput renders scans per minute with two decimals and a decimal comma, or "-"
// when undefined.
func FormatThroughput(perMinute *decimal.Decimal) string {
	if perMinute == nil {
		return "-"
	}
	return strings.Replace(perMinute.StringFixed(2), ".", ",", 1)
}

func orNotAvailable(s string) string {
	if strings.TrimSpace(s) == "" {
		return notAvail
	}
	return s
}
