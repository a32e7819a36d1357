package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// InputFile is an uploaded file attached to a turn.
type InputFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Sheet summarizes one input file for the load stage and the prompt.
type Sheet struct {
	FileID   string   `json:"file_id"`
	Filename string   `json:"filename"`
	Format   string   `json:"format"`
	Size     int64    `json:"size"`
	Columns  []string `json:"columns,omitempty"`
	Rows     int      `json:"rows,omitempty"`
}

// errFileMissing marks an attachment whose content is gone from disk.
var errFileMissing = errors.New("file not found")

// maxSampleRows bounds how far a CSV is scanned when counting rows.
const maxSampleRows = 100000

// inspect reads enough of a file to describe it. CSV files report their
// header and row count; workbooks report only their size.
func inspect(f InputFile) (Sheet, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Sheet{}, fmt.Errorf("%s: %w", f.Filename, errFileMissing)
		}
		return Sheet{}, fmt.Errorf("stat %s: %w", f.Filename, err)
	}
	sheet := Sheet{
		FileID:   f.ID,
		Filename: f.Filename,
		Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Filename)), "."),
		Size:     info.Size(),
	}
	if sheet.Format != "csv" {
		return sheet, nil
	}

	fh, err := os.Open(f.Path)
	if err != nil {
		return Sheet{}, fmt.Errorf("open %s: %w", f.Filename, err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return sheet, nil
	}
	if err != nil {
		return Sheet{}, fmt.Errorf("read %s header: %w", f.Filename, err)
	}
	sheet.Columns = header
	for sheet.Rows < maxSampleRows {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Sheet{}, fmt.Errorf("read %s: %w", f.Filename, err)
		}
		sheet.Rows++
	}
	return sheet, nil
}
