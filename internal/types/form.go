package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Section names a photo bucket.
type Section string

const (
	SectionBackground       Section = "background"
	SectionFieldObservation Section = "fieldObservation"
	SectionEquipment        Section = "equipment"
	SectionAdditional       Section = "additional"
)

// Sections lists the photo buckets in document order.
var Sections = []Section{SectionBackground, SectionFieldObservation, SectionEquipment, SectionAdditional}

// Valid reports whether s is a known bucket.
func (s Section) Valid() bool {
	for _, known := range Sections {
		if s == known {
			return true
		}
	}
	return false
}

// Title returns the heading used for the section in exported documents.
func (s Section) Title() string {
	switch s {
	case SectionBackground:
		return "Background Photographs"
	case SectionFieldObservation:
		return "Field Observation Photographs"
	case SectionEquipment:
		return "Equipment Photographs"
	case SectionAdditional:
		return "Additional Photographs"
	}
	return string(s)
}

// RowStatus is the outcome recorded for one field-summary line.
type RowStatus string

const (
	RowCompliant     RowStatus = "compliant"
	RowNonCompliant  RowStatus = "non-compliant"
	RowObservation   RowStatus = "observation"
	RowNotApplicable RowStatus = "n/a"
)

// RowStatuses lists row statuses in summary order.
var RowStatuses = []RowStatus{RowCompliant, RowNonCompliant, RowObservation, RowNotApplicable}

// Label returns the display text for the status.
func (s RowStatus) Label() string {
	switch s {
	case RowCompliant:
		return "Compliant"
	case RowNonCompliant:
		return "Non-Compliant"
	case RowObservation:
		return "Observation"
	case RowNotApplicable:
		return "N/A"
	}
	return string(s)
}

// SummaryRow is one line of the field-summary table.
type SummaryRow struct {
	Item   string    `json:"item"`
	Status RowStatus `json:"status"`
	Notes  string    `json:"notes"`
}

// FormData holds the report form answers.
type FormData struct {
	ReportNumber     string       `json:"reportNumber"`
	ProjectName      string       `json:"projectName"`
	ClientName       string       `json:"clientName"`
	ClientContact    string       `json:"clientContact"`
	SiteAddress      string       `json:"siteAddress"`
	Latitude         *float64     `json:"latitude,omitempty"`
	Longitude        *float64     `json:"longitude,omitempty"`
	InspectorName    string       `json:"inspectorName"`
	InspectorLicense string       `json:"inspectorLicense"`
	InspectionDate   string       `json:"inspectionDate"` // YYYY-MM-DD
	Weather          string       `json:"weather"`
	Temperature      string       `json:"temperature"`
	Purpose          string       `json:"purpose"`
	Background       string       `json:"background"`
	FieldObservation string       `json:"fieldObservation"`
	EquipmentUsed    string       `json:"equipmentUsed"`
	SummaryRows      []SummaryRow `json:"summaryRows"`
	Conclusion       string       `json:"conclusion"`
	Recommendations  string       `json:"recommendations"`
	OverallStatus    string       `json:"overallStatus"`
}

// DateLayout is the wire format of InspectionDate.
const DateLayout = "2006-01-02"

// ParsedDate returns the inspection date, or the zero time when unset or malformed.
func (f FormData) ParsedDate() time.Time {
	t, err := time.Parse(DateLayout, strings.TrimSpace(f.InspectionDate))
	if err != nil {
		return time.Time{}
	}
	return t
}

// ErrInvalidForm wraps every form validation failure.
var ErrInvalidForm = errors.New("invalid form")

// Validate checks field formats. Empty fields are allowed; drafts are partial.
func (f FormData) Validate() error {
	var problems []string
	if d := strings.TrimSpace(f.InspectionDate); d != "" {
		if _, err := time.Parse(DateLayout, d); err != nil {
			problems = append(problems, "inspectionDate must be YYYY-MM-DD")
		}
	}
	if (f.Latitude == nil) != (f.Longitude == nil) {
		problems = append(problems, "latitude and longitude must be set together")
	}
	if f.Latitude != nil && (*f.Latitude < -90 || *f.Latitude > 90) {
		problems = append(problems, "latitude out of range")
	}
	if f.Longitude != nil && (*f.Longitude < -180 || *f.Longitude > 180) {
		problems = append(problems, "longitude out of range")
	}
	for i, row := range f.SummaryRows {
		if strings.TrimSpace(row.Item) == "" {
			problems = append(problems, fmt.Sprintf("summaryRows[%d].item is required", i))
		}
		if !validRowStatus(row.Status) {
			problems = append(problems, fmt.Sprintf("summaryRows[%d].status %q is unknown", i, row.Status))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidForm, strings.Join(problems, "; "))
	}
	return nil
}

func validRowStatus(s RowStatus) bool {
	for _, known := range RowStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ValidateSignature accepts an empty value, an image data URL, or an https URL.
func ValidateSignature(sig string) error {
	switch {
	case sig == "":
		return nil
	case strings.HasPrefix(sig, "data:image/"):
		if !strings.Contains(sig, ";base64,") {
			return fmt.Errorf("%w: signature data URL must be base64", ErrInvalidForm)
		}
		return nil
	case strings.HasPrefix(sig, "https://"):
		return nil
	}
	return fmt.Errorf("%w: signature must be an image data URL or https URL", ErrInvalidForm)
}
