package rttstats

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/hlcsync/labtime/internal/model"
)

var csvHeader = []string{"class_key", "rtt_ns", "observed_at"}

// WriteCSV persists samples to path, overwriting it if present.
func WriteCSV(path string, samples []model.RTTSample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, s := range samples {
		row := []string{
			s.ClassKey,
			strconv.FormatInt(s.RTTNs, 10),
			strconv.FormatUint(s.ObservedAt, 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// ReadCSV loads samples previously written by WriteCSV.
func ReadCSV(path string) ([]model.RTTSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	samples := make([]model.RTTSample, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != 3 {
			return nil, fmt.Errorf("malformed row %v", row)
		}
		rttNs, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse rtt_ns: %w", err)
		}
		observedAt, err := strconv.ParseUint(row[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at: %w", err)
		}
		samples = append(samples, model.RTTSample{
			ClassKey:   row[0],
			RTTNs:      rttNs,
			ObservedAt: observedAt,
		})
	}
	return samples, nil
}
