package bridge

// configSchema is the strict job-config schema the bridge validates every
// create_job/start_job config map against (spec §4.7's table), grounded on
// the teacher's internal/validate/validate.go recipeSchema/planSchema
// pattern: an embedded JSON-Schema string compiled once and validated
// against a map[string]any. additionalProperties:false everywhere a typo in
// a plugin-declared key must surface as SchemaError rather than be ignored.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_type"],
  "additionalProperties": false,
  "properties": {
    "job_type": {
      "type": "object",
      "additionalProperties": false,
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "run_sh": { "type": "string" },
        "download": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_connections": { "type": "integer", "minimum": 1 },
            "max_runners": { "type": "integer", "minimum": 1 },
            "data_version": { "type": "string" }
          }
        },
        "upload": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "exclude": { "type": "array", "items": { "type": "string" } },
            "compression": { "type": "integer", "minimum": 1, "maximum": 22 },
            "max_connections": { "type": "integer", "minimum": 1 },
            "max_runners": { "type": "integer", "minimum": 1 },
            "number_of_chunks": { "type": "integer", "minimum": 1 },
            "url_expires_secs": { "type": "integer", "minimum": 1 },
            "data_version": { "type": "string" }
          }
        }
      }
    },
    "restart": {
      "oneOf": [
        { "const": "never" },
        {
          "type": "object",
          "additionalProperties": false,
          "minProperties": 1,
          "maxProperties": 1,
          "properties": {
            "on_failure": { "$ref": "#/$defs/backoff" },
            "always": { "$ref": "#/$defs/backoff" }
          }
        }
      ]
    },
    "shutdown_timeout_secs": { "type": "integer", "minimum": 0 },
    "shutdown_signal": { "type": "string" },
    "needs": { "type": "array", "items": { "type": "string" } },
    "wait_for": { "type": "array", "items": { "type": "string" } },
    "run_as": { "type": "string" },
    "log_buffer_capacity_mb": { "type": "integer", "minimum": 1 },
    "log_timestamp": { "type": "boolean" },
    "one_time": { "type": "boolean" },
    "use_protocol_data": { "type": "boolean" }
  },
  "$defs": {
    "backoff": {
      "type": "object",
      "additionalProperties": false,
      "required": ["backoff_base_ms"],
      "properties": {
        "backoff_base_ms": { "type": "integer", "minimum": 1 },
        "backoff_timeout_ms": { "type": "integer", "minimum": 0 },
        "max_retries": { "type": "integer", "minimum": 0 }
      }
    }
  }
}`
