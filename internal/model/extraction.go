package model

// ConfidenceLevel buckets a field confidence score for display and
// review routing.
type ConfidenceLevel string

const (
	ConfidenceHigh    ConfidenceLevel = "high"     // >= 0.8
	ConfidenceMedium  ConfidenceLevel = "medium"   // >= 0.5
	ConfidenceLow     ConfidenceLevel = "low"      // >= 0.3
	ConfidenceVeryLow ConfidenceLevel = "very_low" // < 0.3
)

// ExtractionField is a single labelled value recovered from the AI
// response. Produced by the parser; the calibrator fills in the
// derived fields (ConfidenceLevel, RequiresReview). Ephemeral: fields
// are folded into resources and never persisted standalone.
type ExtractionField struct {
	Label           string          `json:"label"`
	Value           string          `json:"value"`
	Confidence      float64         `json:"confidence"`
	SourceText      string          `json:"source_text,omitempty"`
	CharPosition    int             `json:"char_position,omitempty"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level,omitempty"`
	RequiresReview  bool            `json:"requires_review"`
}

// ResourceType categorizes one structured clinical fact.
type ResourceType string

const (
	ResourceCondition  ResourceType = "condition"
	ResourceMedication ResourceType = "medication"
	ResourceVitalSign  ResourceType = "vital_sign"
	ResourceLabResult  ResourceType = "lab_result"
	ResourceProcedure  ResourceType = "procedure"
	ResourceProvider   ResourceType = "provider"
)

// ResourceTypes lists all categories in canonical order.
var ResourceTypes = []ResourceType{
	ResourceCondition,
	ResourceMedication,
	ResourceVitalSign,
	ResourceLabResult,
	ResourceProcedure,
	ResourceProvider,
}

// Resource is one categorized clinical fact extracted from a document.
type Resource struct {
	Type        ResourceType   `json:"type"`
	Display     string         `json:"display"`
	Detail      map[string]any `json:"detail,omitempty"`
	Confidence  float64        `json:"confidence"`
	SourceDocID string         `json:"source_doc_id,omitempty"`
}

// ExtractionResult aggregates the categorized resources extracted from
// a document (or one chunk of it, before aggregation).
type ExtractionResult struct {
	Conditions  []Resource `json:"conditions,omitempty"`
	Medications []Resource `json:"medications,omitempty"`
	VitalSigns  []Resource `json:"vital_signs,omitempty"`
	LabResults  []Resource `json:"lab_results,omitempty"`
	Procedures  []Resource `json:"procedures,omitempty"`
	Providers   []Resource `json:"providers,omitempty"`

	// Patient identity fields surfaced by the extraction, used by the
	// conflict detector. Not resources themselves.
	PatientName      string `json:"patient_name,omitempty"`
	PatientBirthDate string `json:"patient_birth_date,omitempty"`

	ExtractionConfidence   *float64 `json:"extraction_confidence,omitempty"`
	AIModelUsed            string   `json:"ai_model_used,omitempty"`
	FallbackMethodUsed     string   `json:"fallback_method_used,omitempty"`
	ProcessingTimeSeconds  float64  `json:"processing_time_seconds,omitempty"`
}

// Category returns the resource list for a type.
func (r *ExtractionResult) Category(t ResourceType) []Resource {
	switch t {
	case ResourceCondition:
		return r.Conditions
	case ResourceMedication:
		return r.Medications
	case ResourceVitalSign:
		return r.VitalSigns
	case ResourceLabResult:
		return r.LabResults
	case ResourceProcedure:
		return r.Procedures
	case ResourceProvider:
		return r.Providers
	}
	return nil
}

// SetCategory replaces the resource list for a type.
func (r *ExtractionResult) SetCategory(t ResourceType, list []Resource) {
	switch t {
	case ResourceCondition:
		r.Conditions = list
	case ResourceMedication:
		r.Medications = list
	case ResourceVitalSign:
		r.VitalSigns = list
	case ResourceLabResult:
		r.LabResults = list
	case ResourceProcedure:
		r.Procedures = list
	case ResourceProvider:
		r.Providers = list
	}
}

// Append adds a resource to its category list.
func (r *ExtractionResult) Append(res Resource) {
	r.SetCategory(res.Type, append(r.Category(res.Type), res))
}

// ResourceCount is the total across all categories.
func (r *ExtractionResult) ResourceCount() int {
	n := 0
	for _, t := range ResourceTypes {
		n += len(r.Category(t))
	}
	return n
}

// AllResources flattens every category in canonical order.
func (r *ExtractionResult) AllResources() []Resource {
	var out []Resource
	for _, t := range ResourceTypes {
		out = append(out, r.Category(t)...)
	}
	return out
}
