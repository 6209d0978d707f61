package ws

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	data    map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("client_frame", clientFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = frame

		data := map[string]string{
			frameTelemetry: telemetryDataSchema,
			frameRegister:  registerDataSchema,
		}
		frameSchemas.data = make(map[string]*jsonschema.Schema, len(data))
		for name, schema := range data {
			compiled, err := jsonschema.CompileString("client_frame_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.data[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// decodeClientFrame validates raw against the frame schema and the data
// schema of its type, then decodes it into frame.
func decodeClientFrame(raw []byte, frame *clientFrame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if err := frameSchemas.frame.Validate(payload); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, frame); err != nil {
		return err
	}

	if schema := frameSchemas.data[frame.Type]; schema != nil {
		var data any
		if len(frame.Data) == 0 {
			return fmt.Errorf("%s frame without data", frame.Type)
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return err
		}
		if err := schema.Validate(data); err != nil {
			return err
		}
	}
	return nil
}

const clientFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string" },
    "data": {}
  }
}`

const telemetryDataSchema = `{
  "type": "object",
  "required": ["latitude", "longitude"],
  "properties": {
    "latitude": { "type": "number", "minimum": -90, "maximum": 90 },
    "longitude": { "type": "number", "minimum": -180, "maximum": 180 },
    "speed": { "type": "number", "minimum": 0 },
    "heading": { "type": "number", "minimum": 0, "maximum": 360 },
    "batteryLevel": { "type": "number", "minimum": 0, "maximum": 100 },
    "timestamp": { "type": "integer", "minimum": 0 }
  }
}`

const registerDataSchema = `{
  "type": "object",
  "required": ["principalId"],
  "properties": {
    "principalId": { "type": "string", "minLength": 1, "pattern": "\\S" }
  }
}`
