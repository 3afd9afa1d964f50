package bracketing

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"snapflow-backend/internal/fileutil"
)

// exifTimeLayout is the timestamp format EXIF tags carry.
const exifTimeLayout = "2006:01:02 15:04:05"

// ExtractCaptureTime reads the capture timestamp from EXIF data and returns
// it in ISO-8601 form. DJI drones write the accurate timestamp to the IFD0
// DateTime tag, so for DJI files that tag takes priority; for everything
// else DateTimeOriginal wins.
func ExtractCaptureTime(data []byte, filename string) (string, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse EXIF for %s: %w", filename, err)
	}

	var tagOrder []exif.FieldName
	if fileutil.IsDJIFile(filename) {
		tagOrder = []exif.FieldName{exif.DateTime, exif.DateTimeOriginal, exif.DateTimeDigitized}
	} else {
		tagOrder = []exif.FieldName{exif.DateTimeOriginal, exif.DateTime, exif.DateTimeDigitized}
	}

	for _, name := range tagOrder {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		value, err := tag.StringVal()
		if err != nil {
			continue
		}
		dt, err := time.Parse(exifTimeLayout, value)
		if err != nil {
			continue
		}
		return dt.Format(captureTimeLayout), nil
	}

	return "", fmt.Errorf("no capture timestamp in EXIF for %s", filename)
}
