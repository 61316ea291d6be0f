package radar

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
)

var csvHeader = []string{"id", "h", "m", "s", "yPos", "xPos", "speed", "lane"}

// CSVRecorder appends raw radar records to a CSV file.
type CSVRecorder struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSVRecorder opens path for appending, writing the header when the file
// is new.
func NewCSVRecorder(path string) (*CSVRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open radar csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat radar csv: %w", err)
	}
	r := &CSVRecorder{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := r.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return r, nil
}

// Record writes one row and flushes it.
func (r *CSVRecorder) Record(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := []string{
		strconv.Itoa(rec.ID),
		strconv.Itoa(rec.Hour),
		strconv.Itoa(rec.Minute),
		strconv.Itoa(rec.Millis),
		strconv.FormatFloat(rec.YPos, 'f', -1, 64),
		strconv.FormatFloat(rec.XPos, 'f', -1, 64),
		strconv.FormatFloat(rec.Speed, 'f', -1, 64),
		strconv.Itoa(rec.Lane),
	}
	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	return r.w.Error()
}

func (r *CSVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w.Flush()
	if err := r.w.Error(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
