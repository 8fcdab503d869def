package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"agent-world/viewer/internal/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}

	frames := []struct {
		value any
		title string
	}{
		{proto.ClientFrame{}, "Client Request"},
		{proto.HelloAck{}, "Hello Acknowledgement"},
		{proto.Ack{}, "Command Acknowledgement"},
		{proto.ErrorFrame{}, "Error Reply"},
		{proto.Snapshot{}, "World Snapshot"},
		{proto.Event{}, "World Event"},
		{proto.Metrics{}, "Metrics Report"},
	}

	oneOf := make([]*jsonschema.Schema, 0, len(frames))
	for _, frame := range frames {
		sub := reflector.ReflectFromType(reflect.TypeOf(frame.value))
		sub.Version = ""
		sub.Title = frame.title
		oneOf = append(oneOf, sub)
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Agent World Viewer Protocol",
		Description: "Frames exchanged with the viewer server, one JSON document per line or websocket text message.",
		OneOf:       oneOf,
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
