package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"notifyhub/internal/model"
	"notifyhub/internal/transport"
)

const (
	mimeCSV  = "text/csv"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// BuildManifest renders failures as a downloadable document, one line per
// recipient.
func BuildManifest(format string, jobID int64, failures []model.Failure) (transport.Document, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "csv":
		data, err := manifestCSV(failures)
		if err != nil {
			return transport.Document{}, err
		}
		return transport.Document{
			FileName: fmt.Sprintf("job_%d_errors.csv", jobID),
			MIME:     mimeCSV,
			Data:     data,
			Caption:  "Broadcast encountered errors. See CSV.",
		}, nil
	case "xlsx":
		data, err := manifestXLSX(failures)
		if err != nil {
			return transport.Document{}, err
		}
		return transport.Document{
			FileName: fmt.Sprintf("job_%d_errors.xlsx", jobID),
			MIME:     mimeXLSX,
			Data:     data,
			Caption:  "Broadcast encountered errors. See spreadsheet.",
		}, nil
	}
	return transport.Document{}, fmt.Errorf("unknown manifest format %q", format)
}

func manifestCSV(failures []model.Failure) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"user_id", "error"})
	for _, f := range failures {
		_ = w.Write([]string{strconv.FormatInt(f.RecipientID, 10), f.Error})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const manifestSheet = "Errors"

func manifestXLSX(failures []model.Failure) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	idx, err := f.NewSheet(manifestSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")
	_ = f.SetColWidth(manifestSheet, "A", "A", 16)
	_ = f.SetColWidth(manifestSheet, "B", "B", 80)

	header, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	_ = f.SetCellValue(manifestSheet, "A1", "user_id")
	_ = f.SetCellValue(manifestSheet, "B1", "error")
	_ = f.SetCellStyle(manifestSheet, "A1", "B1", header)
	for i, fl := range failures {
		row := i + 2
		_ = f.SetCellValue(manifestSheet, "A"+strconv.Itoa(row), fl.RecipientID)
		_ = f.SetCellValue(manifestSheet, "B"+strconv.Itoa(row), fl.Error)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
