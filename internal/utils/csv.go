package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"lotBroker/internal/domain"

	"github.com/shopspring/decimal"
)

var priceHeader = []string{"observed_at", "price"}

// WritePriceSamplesToCSV writes samples to filename, creating parent
// directories as needed.
func WritePriceSamplesToCSV(samples []domain.PriceSample, filename string) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()
	return WritePriceSamples(file, samples)
}

// WritePriceSamples writes a header row followed by one row per sample.
func WritePriceSamples(w io.Writer, samples []domain.PriceSample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(priceHeader); err != nil {
		return err
	}
	for _, s := range samples {
		if err := writer.Write([]string{s.ObservedAt.UTC().Format(time.RFC3339Nano), s.Price.String()}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadPriceSamplesFromCSV reads samples written by WritePriceSamplesToCSV.
func ReadPriceSamplesFromCSV(filename string) ([]domain.PriceSample, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadPriceSamples(file)
}

// ReadPriceSamples parses rows of observed_at (RFC 3339) and price. The
// header row is optional.
func ReadPriceSamples(r io.Reader) ([]domain.PriceSample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(priceHeader)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	samples := make([]domain.PriceSample, 0, len(records))
	for i, rec := range records {
		if i == 0 && rec[0] == priceHeader[0] {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid time %q: %w", i+1, rec[0], err)
		}
		price, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid price %q: %w", i+1, rec[1], err)
		}
		samples = append(samples, domain.PriceSample{ObservedAt: at.UTC(), Price: price})
	}
	return samples, nil
}
