// Package export writes a one-off availability report to an xlsx workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pauljones0/ticket-monitor/internal/models"
	"github.com/pauljones0/ticket-monitor/internal/upstream"
)

// DefaultMaxDays limits how far ahead the report looks. Far dates tend to
// fail upstream.
const DefaultMaxDays = 60

const sheetName = "Disponibilidad"

const (
	fillHeader    = "4472C4"
	fillAvailable = "C6EFCE"
	fillLow       = "FFEB9C"
	fillSoldOut   = "FFC7CE"
)

var dayNames = [...]string{"Domingo", "Lunes", "Martes", "Miercoles", "Jueves", "Viernes", "Sabado"}

// Source is the upstream surface the report reads from.
type Source interface {
	GetOpenDates(ctx context.Context, q models.SearchQuery) ([]string, error)
	SearchAvailability(ctx context.Context, date string, q models.SearchQuery) ([]models.Product, error)
	DenyList() []string
}

// Row is one line of the report.
type Row struct {
	Date      string
	Day       string
	Product   string
	State     models.AvailabilityState
	Available bool
}

// Report summarizes a finished export.
type Report struct {
	Path         string
	DatesQueried int
	Available    int
	FailedDates  []string
	Rows         []Row
}

// Exporter builds availability reports.
type Exporter struct {
	src    Source
	query  models.SearchQuery
	filter string
	now    func() time.Time
}

func New(src Source, q models.SearchQuery, filter string) *Exporter {
	return &Exporter{src: src, query: q, filter: filter, now: time.Now}
}

// DefaultPath names a report after the current time.
func DefaultPath(now time.Time) string {
	return "disponibilidad_" + now.Format("20060102_150405") + ".xlsx"
}

// Export queries every open date within maxDays and writes the workbook
// to path.
func (e *Exporter) Export(ctx context.Context, path string, maxDays int) (*Report, error) {
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	if path == "" {
		path = DefaultPath(e.now())
	}

	report, err := e.collect(ctx, maxDays)
	if err != nil {
		return nil, err
	}
	report.Path = path

	if err := e.write(report); err != nil {
		return nil, err
	}
	slog.Info("Availability report written",
		"path", path,
		"dates", report.DatesQueried,
		"available", report.Available,
		"failed_dates", len(report.FailedDates))
	return report, nil
}

func (e *Exporter) collect(ctx context.Context, maxDays int) (*Report, error) {
	open, err := e.src.GetOpenDates(ctx, e.query)
	if err != nil {
		return nil, fmt.Errorf("loading open dates: %w", err)
	}

	y, m, d := e.now().Date()
	limit := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, maxDays)

	var dates []string
	for _, date := range open {
		t, err := models.ParseVisitDate(date)
		if err != nil || t.After(limit) {
			continue
		}
		dates = append(dates, date)
	}
	slog.Info("Querying open dates", "open", len(open), "within_window", len(dates), "max_days", maxDays)

	report := &Report{DatesQueried: len(dates)}
	deny := e.src.DenyList()

	for i, date := range dates {
		slog.Info("Querying date", "date", date, "n", i+1, "of", len(dates))
		day := ""
		if t, err := models.ParseVisitDate(date); err == nil {
			day = dayNames[t.Weekday()]
		}

		products, err := e.src.SearchAvailability(ctx, date, e.query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("Search failed, reporting date as unavailable", "date", date, "error", err)
			report.FailedDates = append(report.FailedDates, date)
		}

		added := 0
		for _, p := range products {
			if !upstream.MatchProduct(p.Name, deny, e.filter) {
				continue
			}
			row := Row{Date: date, Day: day, Product: p.Name, State: p.Availability, Available: p.Availability.Actionable()}
			if row.Available {
				report.Available++
			}
			report.Rows = append(report.Rows, row)
			added++
		}
		if added == 0 {
			report.Rows = append(report.Rows, Row{Date: date, Day: day, Product: "Sin disponibilidad", State: models.StateSoldOut})
		}
	}
	return report, nil
}

func (e *Exporter) write(report *Report) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close workbook", "error", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	styles, err := newStyles(f)
	if err != nil {
		return err
	}

	headers := []string{"Fecha", "Dia", "Producto", "Estado", "Disponible"}
	if err := f.SetSheetRow(sheetName, "A1", &headers); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := f.SetCellStyle(sheetName, "A1", "E1", styles.header); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	row := 2
	for _, r := range report.Rows {
		avail := "NO"
		if r.Available {
			avail = "SI"
		}
		values := []interface{}{r.Date, r.Day, r.Product, string(r.State), avail}
		if err := f.SetSheetRow(sheetName, cell("A", row), &values); err != nil {
			return fmt.Errorf("writing row %d: %w", row, err)
		}
		if err := f.SetCellStyle(sheetName, cell("A", row), cell("C", row), styles.plain); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheetName, cell("D", row), cell("D", row), styles.forState(r.State)); err != nil {
			return err
		}
		availStyle := styles.centeredSoldOut
		if r.Available {
			availStyle = styles.centeredAvailable
		} else if r.State != models.StateSoldOut {
			availStyle = styles.centered
		}
		if err := f.SetCellStyle(sheetName, cell("E", row), cell("E", row), availStyle); err != nil {
			return err
		}
		row++
	}

	for col, width := range map[string]float64{"A": 12, "B": 12, "C": 50, "D": 18, "E": 12} {
		if err := f.SetColWidth(sheetName, col, col, width); err != nil {
			return fmt.Errorf("setting column width: %w", err)
		}
	}

	row += 2
	summary := []string{
		"RESUMEN",
		fmt.Sprintf("Total fechas consultadas: %d", report.DatesQueried),
		fmt.Sprintf("Productos con disponibilidad: %d", report.Available),
		fmt.Sprintf("Generado: %s", e.now().Format("02/01/2006 15:04:05")),
	}
	if len(report.FailedDates) > 0 {
		summary = append(summary, fmt.Sprintf("Fechas con error: %d", len(report.FailedDates)))
	}
	for i, line := range summary {
		if err := f.SetCellValue(sheetName, cell("A", row+i), line); err != nil {
			return err
		}
	}
	if err := f.SetCellStyle(sheetName, cell("A", row), cell("A", row), styles.bold); err != nil {
		return err
	}

	if err := f.SaveAs(report.Path); err != nil {
		return fmt.Errorf("saving workbook %s: %w", report.Path, err)
	}
	return nil
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

type styleSet struct {
	header            int
	plain             int
	bold              int
	available         int
	low               int
	soldOut           int
	centered          int
	centeredAvailable int
	centeredSoldOut   int
}

func (s styleSet) forState(state models.AvailabilityState) int {
	switch state {
	case models.StateAvailable:
		return s.available
	case models.StateLowAvailability:
		return s.low
	case models.StateSoldOut:
		return s.soldOut
	default:
		return s.plain
	}
}

func newStyles(f *excelize.File) (styleSet, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	center := &excelize.Alignment{Horizontal: "center"}
	fill := func(color string) excelize.Fill {
		return excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}}
	}

	var s styleSet
	defs := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&s.header, &excelize.Style{Font: &excelize.Font{Bold: true, Color: "FFFFFF"}, Fill: fill(fillHeader), Alignment: center, Border: border}},
		{&s.plain, &excelize.Style{Border: border}},
		{&s.bold, &excelize.Style{Font: &excelize.Font{Bold: true}}},
		{&s.available, &excelize.Style{Fill: fill(fillAvailable), Border: border}},
		{&s.low, &excelize.Style{Fill: fill(fillLow), Border: border}},
		{&s.soldOut, &excelize.Style{Fill: fill(fillSoldOut), Border: border}},
		{&s.centered, &excelize.Style{Alignment: center, Border: border}},
		{&s.centeredAvailable, &excelize.Style{Fill: fill(fillAvailable), Alignment: center, Border: border}},
		{&s.centeredSoldOut, &excelize.Style{Fill: fill(fillSoldOut), Alignment: center, Border: border}},
	}
	for _, d := range defs {
		id, err := f.NewStyle(d.style)
		if err != nil {
			return styleSet{}, fmt.Errorf("creating style: %w", err)
		}
		*d.dst = id
	}
	return s, nil
}
