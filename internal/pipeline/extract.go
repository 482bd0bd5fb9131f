package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/aggregate"
	"github.com/chartwise-health/chartwise/internal/calibrate"
	"github.com/chartwise-health/chartwise/internal/model"
	"github.com/chartwise-health/chartwise/internal/parser"
	"github.com/chartwise-health/chartwise/internal/resilience"
	"github.com/chartwise-health/chartwise/pkg/anthropic"
)

const extractionSystemPrompt = `You are a clinical data extraction service. Extract structured medical facts from the document text you are given.

Respond with a single JSON object. Use these keys where applicable:
"patient_name", "patient_birth_date", "conditions", "medications",
"vital_signs", "lab_results", "procedures", "providers", "allergies".
List values are arrays of {"value": "...", "confidence": 0.0-1.0,
"source_text": "..."} objects. Include only facts present in the text.
Do not invent values. Respond with JSON only, no commentary.`

// extractChunk returns the per-chunk extraction function the
// aggregator fans out. Each call gets its own timeout and bounded
// retry; a chunk that keeps failing is dropped by the aggregator, not
// fatal to the document.
func (p *Processor) extractChunk(documentID string) aggregate.ExtractFunc {
	return func(ctx context.Context, chunk model.Chunk) (*model.ExtractionResult, error) {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.Pipeline.ChunkTimeout())
		defer cancel()

		start := time.Now()
		resp, err := resilience.DoVal(cctx, p.retry, "chunk extraction",
			func(ctx context.Context) (*anthropic.MessageResponse, error) {
				return p.ai.CreateMessage(ctx, anthropic.MessageRequest{
					Model:     p.cfg.Anthropic.Model,
					MaxTokens: p.cfg.Anthropic.MaxTokens,
					System:    extractionSystemPrompt,
					Messages: []anthropic.Message{
						{Role: "user", Content: chunk.PromptText()},
					},
				})
			})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogUsage(resp.Model, documentID)
		p.costs.Record(documentID, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)

		outcome := parser.Parse(resp.Text())
		fields := calibrate.Calibrate(outcome.Fields, calibrate.DefaultConfig())

		result := resultFromFields(fields)
		result.AIModelUsed = resp.Model
		result.FallbackMethodUsed = fallbackMethod(outcome.Method)
		result.ProcessingTimeSeconds = time.Since(start).Seconds()

		zap.L().Debug("chunk extracted",
			zap.String("document_id", documentID),
			zap.Int("chunk_id", chunk.ChunkID),
			zap.String("parse_method", string(outcome.Method)),
			zap.Int("resources", result.ResourceCount()))
		return result, nil
	}
}

// fallbackMethod reports the parse strategy when a non-JSON recovery
// path produced the fields. JSON repair (sanitized/fenced) still
// counts as the primary path.
func fallbackMethod(m parser.Method) string {
	switch m {
	case parser.MethodKeyValue, parser.MethodPatterns:
		return string(m)
	default:
		return ""
	}
}

// resultFromFields converts parsed fields into a categorized
// extraction result. Field labels map onto resource categories by
// prefix; identity fields feed the conflict detector instead of the
// chart. Fields that fit neither (dates, MRNs) still contribute to the
// confidence mean.
func resultFromFields(fields []model.ExtractionField) *model.ExtractionResult {
	r := &model.ExtractionResult{}
	var confSum float64

	for _, f := range fields {
		confSum += f.Confidence

		switch f.Label {
		case "patient_name", "name":
			if r.PatientName == "" {
				r.PatientName = f.Value
			}
			continue
		case "patient_birth_date", "birth_date", "date_of_birth", "dob":
			if r.PatientBirthDate == "" {
				r.PatientBirthDate = f.Value
			}
			continue
		}

		t, detail := categorize(f.Label)
		if t == "" {
			continue
		}
		if f.SourceText != "" {
			if detail == nil {
				detail = map[string]any{}
			}
			detail["source_text"] = f.SourceText
		}
		r.Append(model.Resource{
			Type:       t,
			Display:    f.Value,
			Detail:     detail,
			Confidence: f.Confidence,
		})
	}

	if len(fields) > 0 {
		mean := confSum / float64(len(fields))
		r.ExtractionConfidence = &mean
	}
	return r
}

func categorize(label string) (model.ResourceType, map[string]any) {
	switch {
	case strings.HasPrefix(label, "condition"),
		strings.HasPrefix(label, "diagnos"),
		strings.HasPrefix(label, "problem"):
		return model.ResourceCondition, nil
	case strings.HasPrefix(label, "allerg"):
		return model.ResourceCondition, map[string]any{"category": "allergy"}
	case strings.HasPrefix(label, "medication"),
		strings.HasPrefix(label, "prescription"),
		strings.HasPrefix(label, "drug"):
		return model.ResourceMedication, nil
	case strings.HasPrefix(label, "vital"):
		return model.ResourceVitalSign, nil
	case strings.HasPrefix(label, "lab"):
		return model.ResourceLabResult, nil
	case strings.HasPrefix(label, "procedure"),
		strings.HasPrefix(label, "surger"):
		return model.ResourceProcedure, nil
	case strings.HasPrefix(label, "provider"),
		strings.HasPrefix(label, "physician"),
		strings.HasPrefix(label, "doctor"):
		return model.ResourceProvider, nil
	default:
		return "", nil
	}
}
