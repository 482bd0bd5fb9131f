// Package parser recovers structured extraction fields from free-text
// AI responses. Models rarely return clean JSON, so an ordered list of
// fallback strategies is applied, accepting the first that succeeds.
// Parse is total: it returns a (possibly empty) field list for any
// input and never fails past the top level.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chartwise-health/chartwise/internal/model"
)

// Method identifies which strategy produced the fields.
type Method string

const (
	MethodDirect    Method = "direct"
	MethodSanitized Method = "sanitized"
	MethodFenced    Method = "fenced"
	MethodKeyValue  Method = "keyvalue"
	MethodPatterns  Method = "patterns"
)

// keyValueConfidence is assigned by the key-value strategy: structure
// is inferred from layout rather than declared, so it trusts less.
const keyValueConfidence = 0.7

// Outcome is the result of parsing one AI response.
type Outcome struct {
	Fields []model.ExtractionField
	Method Method
}

// strategy attempts one recovery approach, failing rather than
// returning partial garbage so the caller can fall through.
type strategy struct {
	method Method
	parse  func(raw string) ([]model.ExtractionField, error)
}

var strategies = []strategy{
	{MethodDirect, parseDirect},
	{MethodSanitized, parseSanitized},
	{MethodFenced, parseFenced},
	{MethodKeyValue, parseKeyValue},
	{MethodPatterns, parsePatterns},
}

// Parse applies the fallback strategies in order and returns the first
// success. The final pattern strategy accepts any input, so the
// outcome may carry an empty field list but Parse itself never errors.
func Parse(raw string) Outcome {
	for _, s := range strategies {
		fields, err := s.parse(raw)
		if err != nil {
			continue
		}
		if s.method != MethodDirect {
			zap.L().Debug("parser: fallback strategy succeeded",
				zap.String("method", string(s.method)),
				zap.Int("fields", len(fields)),
			)
		}
		return Outcome{Fields: fields, Method: s.method}
	}
	// parsePatterns never errors; unreachable, but keep Parse total.
	return Outcome{Method: MethodPatterns}
}

// --- strategy 1: direct ---

func parseDirect(raw string) ([]model.ExtractionField, error) {
	return unmarshalFields(strings.TrimSpace(raw))
}

// --- strategy 2: sanitized ---

// parseSanitized strips code-fence markers and, when the text opens
// with a brace, isolates the first balanced object by tracking nesting
// depth before parsing.
func parseSanitized(raw string) ([]model.ExtractionField, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if strings.HasPrefix(cleaned, "{") {
		if obj := firstBalancedObject(cleaned); obj != "" {
			cleaned = obj
		}
	}
	return unmarshalFields(cleaned)
}

// firstBalancedObject scans forward from an opening brace, tracking
// depth (and string/escape state), and returns the first balanced
// top-level object. Returns "" if the braces never balance.
func firstBalancedObject(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1]
				}
			}
		}
	}
	return ""
}

// --- strategy 3: fenced block ---

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func parseFenced(raw string) ([]model.ExtractionField, error) {
	m := fencedBlock.FindStringSubmatch(raw)
	if m == nil {
		return nil, eris.New("parser: no fenced block")
	}
	return unmarshalFields(m[1])
}

// --- strategy 4: key-value lines ---

var keyValueLine = regexp.MustCompile(`^\s*[-*]?\s*([A-Za-z][A-Za-z0-9 _/()-]{0,60}?)\s*:\s*(.+?)\s*$`)

func parseKeyValue(raw string) ([]model.ExtractionField, error) {
	var fields []model.ExtractionField
	pos := 0
	for _, line := range strings.Split(raw, "\n") {
		m := keyValueLine.FindStringSubmatch(line)
		if m != nil {
			label := normalizeLabel(m[1])
			value := strings.Trim(m[2], ` "',`)
			if label != "" && value != "" && !strings.HasPrefix(value, "{") {
				fields = append(fields, model.ExtractionField{
					Label:        label,
					Value:        value,
					Confidence:   keyValueConfidence,
					SourceText:   strings.TrimSpace(line),
					CharPosition: pos,
				})
			}
		}
		pos += len(line) + 1
	}
	if len(fields) == 0 {
		return nil, eris.New("parser: no key-value pairs")
	}
	return fields, nil
}

// --- strategy 5: domain patterns ---

// domainPattern pairs a clinical-text regex with the label and
// confidence of the fields it yields.
type domainPattern struct {
	label      string
	re         *regexp.Regexp
	confidence float64
}

var domainPatterns = []domainPattern{
	{"patient_name", regexp.MustCompile(`(?im)^\s*(?:patient(?:\s+name)?|name)\s*[:\-]\s*([A-Z][A-Za-z'.-]+(?:\s+[A-Z][A-Za-z'.-]+){1,3})\s*$`), 0.75},
	{"patient_name", regexp.MustCompile(`(?i)\bpatient\s+([A-Z][a-z]+\s+[A-Z][a-z]+)\b`), 0.6},
	{"date", regexp.MustCompile(`\b(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})\b`), 0.7},
	{"date", regexp.MustCompile(`(?i)\b((?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2},?\s+\d{4})\b`), 0.7},
	{"mrn", regexp.MustCompile(`(?i)\b(?:mrn|medical record (?:number|no\.?)|record #)\s*[:#]?\s*([A-Z0-9-]{4,20})\b`), 0.8},
}

// listSections match condition/medication/allergy blocks of the form
// "Header:\n- item\n- item".
var listSections = []struct {
	label string
	re    *regexp.Regexp
}{
	{"condition", regexp.MustCompile(`(?is)(?:diagnoses|conditions|problem list|assessment)\s*:?\s*\n((?:\s*[-*•]\s*.+\n?)+)`)},
	{"medication", regexp.MustCompile(`(?is)(?:medications?|current medications|meds)\s*:?\s*\n((?:\s*[-*•]\s*.+\n?)+)`)},
	{"allergy", regexp.MustCompile(`(?is)(?:allergies|drug allergies)\s*:?\s*\n((?:\s*[-*•]\s*.+\n?)+)`)},
}

const listItemConfidence = 0.65

// parsePatterns applies the domain regex battery and emits whatever
// subset matches. Never errors: an empty list is a valid result.
func parsePatterns(raw string) ([]model.ExtractionField, error) {
	var fields []model.ExtractionField
	seen := make(map[string]bool)

	for _, p := range domainPatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(raw, -1) {
			value := strings.TrimSpace(raw[m[2]:m[3]])
			key := p.label + "\x00" + strings.ToLower(value)
			if value == "" || seen[key] {
				continue
			}
			seen[key] = true
			fields = append(fields, model.ExtractionField{
				Label:        p.label,
				Value:        value,
				Confidence:   p.confidence,
				SourceText:   snippet(raw, m[0], m[1]),
				CharPosition: m[0],
			})
		}
	}

	for _, sec := range listSections {
		for _, m := range sec.re.FindAllStringSubmatchIndex(raw, -1) {
			block := raw[m[2]:m[3]]
			for _, line := range strings.Split(block, "\n") {
				item := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
				key := sec.label + "\x00" + strings.ToLower(item)
				if item == "" || seen[key] {
					continue
				}
				seen[key] = true
				fields = append(fields, model.ExtractionField{
					Label:        sec.label,
					Value:        item,
					Confidence:   listItemConfidence,
					CharPosition: m[0],
				})
			}
		}
	}

	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].CharPosition < fields[j].CharPosition
	})
	return fields, nil
}

// --- shared JSON handling ---

// unmarshalFields parses a JSON document into extraction fields. It
// accepts either an object of label→value pairs (values may be
// scalars, {value, confidence} objects, or arrays) or an array of
// field objects.
func unmarshalFields(s string) ([]model.ExtractionField, error) {
	if s == "" {
		return nil, eris.New("parser: empty input")
	}

	var arr []map[string]any
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return fieldsFromArray(arr)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, eris.Wrap(err, "parser: unmarshal")
	}
	if len(obj) == 0 {
		return nil, eris.New("parser: empty object")
	}

	var fields []model.ExtractionField
	for label, v := range obj {
		fields = append(fields, fieldsFromValue(normalizeLabel(label), v)...)
	}
	if len(fields) == 0 {
		return nil, eris.New("parser: no usable fields")
	}
	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].Label < fields[j].Label
	})
	return fields, nil
}

func fieldsFromArray(arr []map[string]any) ([]model.ExtractionField, error) {
	var fields []model.ExtractionField
	for _, item := range arr {
		label, _ := item["label"].(string)
		if label == "" {
			label, _ = item["field"].(string)
		}
		if label == "" {
			continue
		}
		f := model.ExtractionField{
			Label:      normalizeLabel(label),
			Value:      stringify(item["value"]),
			Confidence: numeric(item["confidence"], 1.0),
		}
		if src, ok := item["source_text"].(string); ok {
			f.SourceText = src
		}
		if f.Value != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, eris.New("parser: array held no fields")
	}
	return fields, nil
}

// fieldsFromValue flattens one label's JSON value into fields. Arrays
// produce one field per element; nested {value, confidence} objects
// carry their own confidence.
func fieldsFromValue(label string, v any) []model.ExtractionField {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		var out []model.ExtractionField
		for _, item := range val {
			out = append(out, fieldsFromValue(label, item)...)
		}
		return out
	case map[string]any:
		inner, hasValue := val["value"]
		if !hasValue {
			if disp, ok := val["display"].(string); ok {
				inner, hasValue = disp, true
			} else if name, ok := val["name"].(string); ok {
				inner, hasValue = name, true
			}
		}
		if !hasValue {
			return nil
		}
		s := stringify(inner)
		if s == "" {
			return nil
		}
		f := model.ExtractionField{
			Label:      label,
			Value:      s,
			Confidence: numeric(val["confidence"], 1.0),
		}
		if src, ok := val["source_text"].(string); ok {
			f.SourceText = src
		}
		return []model.ExtractionField{f}
	default:
		s := stringify(val)
		if s == "" {
			return nil
		}
		return []model.ExtractionField{{Label: label, Value: s, Confidence: 1.0}}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

func numeric(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return fallback
}

func normalizeLabel(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.ReplaceAll(l, " ", "_")
	return strings.Trim(l, "_")
}

func snippet(raw string, start, end int) string {
	lo := start - 20
	if lo < 0 {
		lo = 0
	}
	hi := end + 20
	if hi > len(raw) {
		hi = len(raw)
	}
	return strings.TrimSpace(raw[lo:hi])
}
