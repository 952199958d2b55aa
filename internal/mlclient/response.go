package mlclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/example/fruit-quality/internal/classification"
)

// ParseResponse validates a raw /predict body. Rules, in order: the verdict
// ("result", else "verdict") must be exactly "Good" or "Bad"; "confidence"
// must be present and a number in [0,1]; "processing_time" and "demo_mode"
// are optional and copied when present. Any violation is an
// InvalidResponse error.
func ParseResponse(raw []byte) (*classification.Result, error) {
	payload, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	verdict, err := parseVerdict(payload)
	if err != nil {
		return nil, err
	}

	confidence, err := parseConfidence(payload)
	if err != nil {
		return nil, err
	}

	result := &classification.Result{Verdict: verdict, Confidence: confidence}

	if value, ok := present(payload, "processing_time"); ok {
		seconds, ok := toFloat(value, false)
		if !ok || seconds < 0 {
			return nil, invalid("processing_time must be a non-negative number, got %v", value)
		}
		result.ProcessingTimeSeconds = &seconds
	}

	if value, ok := present(payload, "demo_mode"); ok {
		demo, ok := value.(bool)
		if !ok {
			return nil, invalid("demo_mode must be a boolean, got %v", value)
		}
		result.DemoMode = &demo
	}

	return result, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, classification.NewInvalidResponseError("ML service returned malformed JSON", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, classification.NewInvalidResponseError("ML service returned trailing data after the JSON object", err)
	}
	payload, ok := decoded.(map[string]any)
	if !ok {
		return nil, invalid("ML service response must be a JSON object")
	}
	return payload, nil
}

func parseVerdict(payload map[string]any) (classification.Verdict, error) {
	value, ok := payload["result"]
	if !ok {
		value, ok = payload["verdict"]
	}
	if !ok {
		return "", invalid("response is missing the result field")
	}
	s, isString := value.(string)
	if !isString {
		return "", invalid("result must be \"Good\" or \"Bad\", got %v", value)
	}
	verdict, valid := classification.ParseVerdict(s)
	if !valid {
		return "", invalid("result must be \"Good\" or \"Bad\", got %q", s)
	}
	return verdict, nil
}

func parseConfidence(payload map[string]any) (float64, error) {
	value, ok := present(payload, "confidence")
	if !ok {
		return 0, invalid("response is missing the confidence field")
	}
	confidence, ok := toFloat(value, true)
	if !ok {
		return 0, invalid("confidence must be a number, got %v", value)
	}
	if confidence < 0 || confidence > 1 {
		return 0, invalid("confidence must be within [0,1], got %v", confidence)
	}
	return confidence, nil
}

// present treats an explicit null like a missing key.
func present(payload map[string]any, key string) (any, bool) {
	value, ok := payload[key]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func toFloat(value any, allowString bool) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch v := value.(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		if !allowString {
			return 0, false
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func invalid(format string, args ...any) *classification.Error {
	return classification.NewInvalidResponseError(fmt.Sprintf(format, args...), nil)
}
