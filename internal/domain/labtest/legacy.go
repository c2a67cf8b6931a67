package labtest

import (
	"encoding/json"
	"path"
	"strings"
	"time"
)

// legacyDescriptor accepts both spellings written by older clients.
type legacyDescriptor struct {
	Filename          string     `json:"filename"`
	OriginalName      string     `json:"originalName"`
	OriginalNameSnake string     `json:"original_name"`
	Path              string     `json:"path"`
	URL               string     `json:"url"`
	UploadedAt        *time.Time `json:"uploadedAt"`
	UploadedAtSnake   *time.Time `json:"uploaded_at"`
}

// ParseLegacyResultURL decodes the legacy result_url column of a lab order.
// The column holds either a single path or a JSON array of file descriptors.
func ParseLegacyResultURL(s string) []ReportFile {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var raw []legacyDescriptor
		if err := json.Unmarshal([]byte(s), &raw); err == nil {
			files := make([]ReportFile, 0, len(raw))
			for _, d := range raw {
				if f, ok := d.toReportFile(); ok {
					files = append(files, f)
				}
			}
			return files
		}
	}
	base := path.Base(s)
	return []ReportFile{{Filename: base, OriginalName: base, Path: s}}
}

func (d legacyDescriptor) toReportFile() (ReportFile, bool) {
	f := ReportFile{
		Filename:     d.Filename,
		OriginalName: d.OriginalName,
		Path:         d.Path,
	}
	if f.OriginalName == "" {
		f.OriginalName = d.OriginalNameSnake
	}
	if f.Path == "" {
		f.Path = d.URL
	}
	if f.Filename == "" && f.Path != "" {
		f.Filename = path.Base(f.Path)
	}
	if f.OriginalName == "" {
		f.OriginalName = f.Filename
	}
	switch {
	case d.UploadedAt != nil:
		f.UploadedAt = *d.UploadedAt
	case d.UploadedAtSnake != nil:
		f.UploadedAt = *d.UploadedAtSnake
	}
	return f, f.Filename != "" || f.Path != ""
}
