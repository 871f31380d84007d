// Package sheets writes the latest USD price of listed runes into a
// spreadsheet column.
package sheets

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/rewired-gh/runewatch/internal/logger"
	"github.com/rewired-gh/runewatch/internal/models"
	"github.com/rewired-gh/runewatch/internal/pricing"
	"github.com/rewired-gh/runewatch/internal/runes"
)

// DefaultPlaceholder is written for names with no price in the store.
const DefaultPlaceholder = "RUNE NOT FOUND IN DB"

// Worksheet is a sheet with a names column and a parallel price column.
type Worksheet interface {
	// Names returns the display names below the header row, without the
	// trailing totals row.
	Names(ctx context.Context) ([]string, error)
	// WritePrices writes values to the price column starting at row 2.
	WritePrices(ctx context.Context, values []interface{}) error
}

// PriceSource looks up tracked records.
type PriceSource interface {
	Get(key string) (models.TokenRecord, bool)
}

// RateSource supplies the BTC/USD rate.
type RateSource interface {
	BTCUSD(ctx context.Context) (decimal.Decimal, error)
}

// Syncer fills a worksheet's price column from the store.
type Syncer struct {
	sheet       Worksheet
	prices      PriceSource
	rates       RateSource
	placeholder string
}

// NewSyncer creates a Syncer. An empty placeholder uses DefaultPlaceholder.
func NewSyncer(sheet Worksheet, prices PriceSource, rates RateSource, placeholder string) *Syncer {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	return &Syncer{sheet: sheet, prices: prices, rates: rates, placeholder: placeholder}
}

// Sync writes one cell per listed name. A name that does not normalize or
// is not tracked gets the placeholder; only sheet or rate failures fail
// the call.
func (s *Syncer) Sync(ctx context.Context) error {
	names, err := s.sheet.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to read rune names: %w", err)
	}
	if len(names) == 0 {
		logger.Debug("Sheet lists no runes, nothing to sync")
		return nil
	}

	rate, err := s.rates.BTCUSD(ctx)
	if err != nil {
		return fmt.Errorf("failed to get BTC/USD rate: %w", err)
	}

	values := make([]interface{}, len(names))
	missing := 0
	for i, name := range names {
		usd, ok := s.lookup(name, rate)
		if !ok {
			values[i] = s.placeholder
			missing++
			continue
		}
		values[i] = usd
	}

	if err := s.sheet.WritePrices(ctx, values); err != nil {
		return fmt.Errorf("failed to write prices: %w", err)
	}
	logger.Info("Updated sheet with %d prices (%d not found)", len(names)-missing, missing)
	return nil
}

func (s *Syncer) lookup(name string, rate decimal.Decimal) (float64, bool) {
	key, err := runes.ToCanonicalKey(name)
	if err != nil {
		return 0, false
	}
	rec, ok := s.prices.Get(key)
	if !ok {
		return 0, false
	}
	price, ok := rec.LatestPrice()
	if !ok {
		return 0, false
	}
	return pricing.Convert(price, rate).Round(8).InexactFloat64(), true
}

// GoogleWorksheet is a Worksheet backed by the Google Sheets API.
type GoogleWorksheet struct {
	svc           *gsheets.Service
	spreadsheetID string
	sheetName     string
	nameColumn    string
	priceColumn   string
}

// NewGoogleWorksheet authenticates with a service-account credentials file.
func NewGoogleWorksheet(ctx context.Context, credentialsFile, spreadsheetID, sheetName, nameColumn, priceColumn string) (*GoogleWorksheet, error) {
	svc, err := gsheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(gsheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &GoogleWorksheet{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		nameColumn:    nameColumn,
		priceColumn:   priceColumn,
	}, nil
}

// Names implements Worksheet.
func (w *GoogleWorksheet) Names(ctx context.Context) ([]string, error) {
	rng := fmt.Sprintf("%s!%s:%s", w.sheetName, w.nameColumn, w.nameColumn)
	resp, err := w.svc.Spreadsheets.Values.Get(w.spreadsheetID, rng).
		MajorDimension("COLUMNS").
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}
	return namesFromColumn(resp.Values[0]), nil
}

// WritePrices implements Worksheet.
func (w *GoogleWorksheet) WritePrices(ctx context.Context, values []interface{}) error {
	rng := priceRange(w.sheetName, w.priceColumn, len(values))
	rows := make([][]interface{}, len(values))
	for i, v := range values {
		rows[i] = []interface{}{v}
	}
	_, err := w.svc.Spreadsheets.Values.Update(w.spreadsheetID, rng, &gsheets.ValueRange{
		Range:          rng,
		MajorDimension: "ROWS",
		Values:         rows,
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// namesFromColumn drops the header cell and the trailing totals cell.
func namesFromColumn(column []interface{}) []string {
	if len(column) < 2 {
		return nil
	}
	names := make([]string, 0, len(column)-2)
	for _, cell := range column[1 : len(column)-1] {
		names = append(names, fmt.Sprint(cell))
	}
	return names
}

// priceRange addresses n cells of column starting below the header.
func priceRange(sheet, column string, n int) string {
	return fmt.Sprintf("%s!%s2:%s%d", sheet, column, column, n+1)
}
