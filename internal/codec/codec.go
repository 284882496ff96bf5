// Package codec implements the JSON wire format spoken with the posture
// classification server: samples go out as flat objects, server messages come
// back discriminated by their "type" field.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/YamYamee/soft-electronic/internal/model"
)

// Kind is the value of the "type" discriminator on server messages.
type Kind string

const (
	KindPrediction Kind = "prediction"
	KindError      Kind = "error"
	KindWelcome    Kind = "welcome"
)

// Message is the decoded form of one server payload. Exactly one of the
// pointer fields is set, matching Kind.
type Message struct {
	Kind        Kind
	Prediction  *model.PredictionEvent
	ServerError *ServerReportedError
	Welcome     *model.WelcomeEvent
}

// ── wire shapes ───────────────────────────────────────────────────────────

type wireSample struct {
	Timestamp     int64   `json:"timestamp"`
	RelativePitch float64 `json:"relativePitch"`
}

type wireEnvelope struct {
	Type string `json:"type"`
}

type wirePrediction struct {
	PredictedPosture   float64            `json:"predicted_posture"`
	Confidence         float64            `json:"confidence"`
	AllProbabilities   map[string]float64 `json:"all_probabilities"`
	InputTimestamp     *float64           `json:"input_timestamp"`
	InputRelativePitch *float64           `json:"input_relative_pitch"`
	ServerTimestamp    string             `json:"server_timestamp"`
}

type wireError struct {
	Error string `json:"error"`
}

type wireWelcome struct {
	Message      string `json:"message"`
	Instructions string `json:"instructions"`
	Timestamp    string `json:"timestamp"`
}

// ── Codec ─────────────────────────────────────────────────────────────────

// Codec encodes samples and decodes server messages. It is safe for
// concurrent use; the compiled schemas are read-only after New.
type Codec struct {
	envelope   *gojsonschema.Schema
	prediction *gojsonschema.Schema
	serverErr  *gojsonschema.Schema
	welcome    *gojsonschema.Schema
}

// New compiles the embedded message schemas.
func New() (*Codec, error) {
	c := &Codec{}
	for _, s := range []struct {
		dst **gojsonschema.Schema
		src string
	}{
		{&c.envelope, envelopeSchema},
		{&c.prediction, predictionSchema},
		{&c.serverErr, errorSchema},
		{&c.welcome, welcomeSchema},
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.src))
		if err != nil {
			return nil, fmt.Errorf("codec: compile schema: %w", err)
		}
		*s.dst = schema
	}
	return c, nil
}

// MustNew is New for package-level initialisation and tests.
func MustNew() *Codec {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Encode serialises a sample into the client→server payload.
// Non-finite pitch values are rejected rather than coerced.
func (c *Codec) Encode(s model.Sample) ([]byte, error) {
	if math.IsNaN(s.RelativePitch) {
		return nil, &EncodeError{Field: "relativePitch", Reason: "value is NaN"}
	}
	if math.IsInf(s.RelativePitch, 0) {
		return nil, &EncodeError{Field: "relativePitch", Reason: "value is infinite"}
	}
	if s.Timestamp < 0 {
		return nil, &EncodeError{Field: "timestamp", Reason: fmt.Sprintf("negative timestamp %d", s.Timestamp)}
	}
	data, err := json.Marshal(wireSample{Timestamp: s.Timestamp, RelativePitch: s.RelativePitch})
	if err != nil {
		return nil, &EncodeError{Field: "sample", Reason: err.Error()}
	}
	return data, nil
}

// Decode parses one server payload. Every failure is a *DecodeError; Decode
// does not panic on any input.
func (c *Codec) Decode(data []byte) (msg *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, decodeErr(data, "decoder fault: %v", r)
		}
	}()

	if err := c.validate(c.envelope, data); err != nil {
		return nil, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErr(data, "unmarshal envelope: %v", err)
	}

	switch Kind(env.Type) {
	case KindPrediction:
		return c.decodePrediction(data)
	case KindError:
		return c.decodeServerError(data)
	case KindWelcome:
		return c.decodeWelcome(data)
	default:
		return nil, decodeErr(data, "unrecognised message type %q", env.Type)
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func (c *Codec) decodePrediction(data []byte) (*Message, error) {
	if err := c.validate(c.prediction, data); err != nil {
		return nil, err
	}
	var w wirePrediction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, decodeErr(data, "unmarshal prediction: %v", err)
	}
	// The schema guarantees integral values; the range check guards the int conversion.
	if math.Abs(w.PredictedPosture) > math.MaxInt32 {
		return nil, decodeErr(data, "predicted_posture %v out of range", w.PredictedPosture)
	}
	ev := &model.PredictionEvent{
		PredictedPosture:   int(w.PredictedPosture),
		Confidence:         w.Confidence,
		Probabilities:      w.AllProbabilities,
		InputRelativePitch: w.InputRelativePitch,
		ServerTimestamp:    w.ServerTimestamp,
	}
	if w.InputTimestamp != nil {
		v := *w.InputTimestamp
		if v < -(1<<63) || v >= 1<<63 {
			return nil, decodeErr(data, "input_timestamp %v out of range", v)
		}
		ts := int64(v)
		ev.InputTimestamp = &ts
	}
	return &Message{Kind: KindPrediction, Prediction: ev}, nil
}

func (c *Codec) decodeServerError(data []byte) (*Message, error) {
	if err := c.validate(c.serverErr, data); err != nil {
		return nil, err
	}
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, decodeErr(data, "unmarshal error message: %v", err)
	}
	return &Message{Kind: KindError, ServerError: &ServerReportedError{Message: w.Error}}, nil
}

func (c *Codec) decodeWelcome(data []byte) (*Message, error) {
	if err := c.validate(c.welcome, data); err != nil {
		return nil, err
	}
	var w wireWelcome
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, decodeErr(data, "unmarshal welcome: %v", err)
	}
	return &Message{Kind: KindWelcome, Welcome: &model.WelcomeEvent{
		Message:         w.Message,
		Instructions:    w.Instructions,
		ServerTimestamp: w.Timestamp,
	}}, nil
}

func (c *Codec) validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return decodeErr(data, "malformed JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		reasons = append(reasons, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return decodeErr(data, "%s", strings.Join(reasons, "; "))
}

// KindLabel returns a human-readable label for a message kind.
func KindLabel(k Kind) string {
	switch k {
	case KindPrediction, KindError, KindWelcome:
		return string(k)
	default:
		return fmt.Sprintf("unknown(%q)", string(k))
	}
}
