package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/diabetactic/glucosync/internal/models"
)

var csvHeader = []string{"id", "backend_id", "measured_at", "value", "unit", "meal_context", "notes", "synced"}

// WriteCSV renders readings as CSV with a header row. Measurement times are
// RFC 3339 in UTC.
func WriteCSV(w io.Writer, readings []*models.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range readings {
		record := []string{
			r.ID,
			r.BackendID,
			time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Unit,
			r.MealContext,
			r.Notes,
			strconv.FormatBool(r.Synced),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
