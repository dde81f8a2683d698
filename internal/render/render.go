// Package render turns records into console text. Records are never altered;
// rendering only reads them.
package render

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
	"gopkg.in/yaml.v3"

	"github.com/JohnnyGlynn/firehose/internal/firehose"
)

const (
	FormatRaw  = "raw"
	FormatJSON = "json"
	FormatText = "text"
	FormatYAML = "yaml"
)

type Renderer interface {
	Render(record firehose.Record) (string, error)
}

// New returns the renderer for format. Schema formats load the descriptor
// set once and look up recordType in it.
func New(format, descriptorSetPath, recordType string) (Renderer, error) {
	switch format {
	case FormatRaw, "":
		return rawRenderer{}, nil
	case FormatJSON, FormatText, FormatYAML:
		desc, types, err := loadRecordType(descriptorSetPath, recordType)
		if err != nil {
			return nil, err
		}
		return &schemaRenderer{format: format, desc: desc, types: types}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Hex is the last-resort rendering for bytes no renderer understood.
func Hex(record firehose.Record) string {
	return "0x" + hex.EncodeToString(record)
}

func loadRecordType(path, name string) (protoreflect.MessageDescriptor, *dynamicpb.Types, error) {
	if path == "" || name == "" {
		return nil, nil, fmt.Errorf("descriptor set and record type are both required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read descriptor set: %w", err)
	}

	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return nil, nil, fmt.Errorf("failed to parse descriptor set %s: %w", path, err)
	}

	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to link descriptor set %s: %w", path, err)
	}

	d, err := files.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, nil, fmt.Errorf("record type %s: %w", name, err)
	}
	desc, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, nil, fmt.Errorf("record type %s is not a message", name)
	}

	return desc, dynamicpb.NewTypes(files), nil
}

type schemaRenderer struct {
	format string
	desc   protoreflect.MessageDescriptor
	types  *dynamicpb.Types
}

func (r *schemaRenderer) Render(record firehose.Record) (string, error) {
	msg := dynamicpb.NewMessage(r.desc)
	if err := (proto.UnmarshalOptions{Resolver: r.types}).Unmarshal(record, msg); err != nil {
		return "", fmt.Errorf("decoding %s: %w", r.desc.FullName(), err)
	}

	switch r.format {
	case FormatText:
		out, err := prototext.MarshalOptions{Resolver: r.types}.Marshal(msg)
		if err != nil {
			return "", err
		}
		return string(out), nil
	case FormatYAML:
		return r.yaml(msg)
	default:
		out, err := protojson.MarshalOptions{Resolver: r.types}.Marshal(msg)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

// yaml goes through protojson so field names and well-known types follow
// the canonical JSON mapping. JSON is valid YAML, so yaml.v3 parses it
// directly.
func (r *schemaRenderer) yaml(msg proto.Message) (string, error) {
	j, err := protojson.MarshalOptions{Resolver: r.types}.Marshal(msg)
	if err != nil {
		return "", err
	}

	var v any
	if err := yaml.Unmarshal(j, &v); err != nil {
		return "", fmt.Errorf("converting to yaml: %w", err)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("converting to yaml: %w", err)
	}
	return strings.TrimSuffix(string(out), "\n"), nil
}
