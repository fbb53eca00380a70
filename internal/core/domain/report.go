package domain

// SupportReport is a user-submitted issue report.
type SupportReport struct {
	CorrelationID      string         `json:"correlationId"                validate:"required"`
	Category           string         `json:"category"                     validate:"required,oneof=bug feature account other"`
	Summary            string         `json:"summary"                      validate:"required,max=500"`
	ReproductionSteps  string         `json:"reproductionSteps,omitempty"  validate:"max=5000"`
	ExpectedBehavior   string         `json:"expectedBehavior,omitempty"   validate:"max=2000"`
	ActualBehavior     string         `json:"actualBehavior,omitempty"     validate:"max=2000"`
	ScreenshotDataURL  string         `json:"screenshotDataUrl,omitempty"`
	ConsentDiagnostics bool           `json:"consentDiagnostics"`
	Diagnostics        map[string]any `json:"diagnostics,omitempty"`
}

// Payload converts the report into a queue payload.
func (r SupportReport) Payload() map[string]any {
	p := map[string]any{
		"correlationId":      r.CorrelationID,
		"category":           r.Category,
		"summary":            r.Summary,
		"consentDiagnostics": r.ConsentDiagnostics,
	}
	if r.ReproductionSteps != "" {
		p["reproductionSteps"] = r.ReproductionSteps
	}
	if r.ExpectedBehavior != "" {
		p["expectedBehavior"] = r.ExpectedBehavior
	}
	if r.ActualBehavior != "" {
		p["actualBehavior"] = r.ActualBehavior
	}
	if r.ScreenshotDataURL != "" {
		p["screenshotDataUrl"] = r.ScreenshotDataURL
	}
	if r.ConsentDiagnostics && len(r.Diagnostics) > 0 {
		p["diagnostics"] = r.Diagnostics
	}
	return p
}

// ReportOutcome tells the caller what happened to a support report.
type ReportOutcome struct {
	Queued    bool `json:"queued"`
	Submitted bool `json:"submitted"`
}
