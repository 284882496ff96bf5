package codec

// JSON schemas (draft-07) for server→client messages. The envelope schema only
// pins the discriminator; each kind then has its own schema for its fields.

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string"}
  }
}`

const predictionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "predicted_posture", "confidence"],
  "properties": {
    "type": {"const": "prediction"},
    "predicted_posture": {"type": "integer"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "all_probabilities": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    },
    "input_timestamp": {"type": "integer"},
    "input_relative_pitch": {"type": "number"},
    "server_timestamp": {"type": "string"}
  }
}`

const errorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "error"],
  "properties": {
    "type": {"const": "error"},
    "error": {"type": "string"}
  }
}`

const welcomeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"const": "welcome"},
    "message": {"type": "string"},
    "instructions": {"type": "string"},
    "timestamp": {"type": "string"}
  }
}`
