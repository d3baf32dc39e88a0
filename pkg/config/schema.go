package config

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/durationpb"
)

const (
	configPackage     = "memo.config"
	configMessageName = "Config"
)

type fieldKind int

const (
	boolField fieldKind = iota
	intField
	uintField
	stringField
	durationField
)

func (k fieldKind) protoType() descriptorpb.FieldDescriptorProto_Type {
	switch k {
	case boolField:
		return descriptorpb.FieldDescriptorProto_TYPE_BOOL
	case intField:
		return descriptorpb.FieldDescriptorProto_TYPE_INT64
	case uintField:
		return descriptorpb.FieldDescriptorProto_TYPE_UINT64
	case durationField:
		return descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	default:
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	}
}

// configField is a leaf of the config file; its name is the name of the flag it sets.
type configField struct {
	flagName string
	kind     fieldKind
}

// configSection groups the fields of one package under a nested message.
type configSection struct {
	name   string
	fields []configField
}

// configSections is the config file schema. Adding a flag anywhere in the binary requires an entry here.
var configSections = []configSection{
	{name: "logging", fields: []configField{
		{"log_handler_type", stringField},
		{"log_level", stringField},
		{"log_add_source", boolField},
	}},
	{name: "cache", fields: []configField{
		{"cache_enabled", boolField},
		{"cache_shard_count", intField},
		{"cache_sweep_interval", durationField},
		{"cache_stats_interval", durationField},
	}},
	{name: "memo", fields: []configField{
		{"query_cache_ttl", durationField},
		{"route_cache_ttl", durationField},
		{"route_cache_max_body_bytes", intField},
		{"route_cache_doorkeeper", boolField},
		{"route_cache_doorkeeper_capacity", uintField},
	}},
	{name: "auth", fields: []configField{
		{"token_cache_ttl", durationField},
		{"negative_token_ttl", durationField},
		{"user_cache_ttl", durationField},
		{"failed_attempts_ttl", durationField},
		{"max_failed_attempts", intField},
		{"session_ttl", durationField},
		{"bcrypt_cost", intField},
		{"bootstrap_admin_username", stringField},
		{"bootstrap_admin_password", stringField},
	}},
	{name: "storage", fields: []configField{
		{"data_dir", stringField},
		{"db_open_timeout", durationField},
		{"session_purge_interval", durationField},
	}},
	{name: "server", fields: []configField{
		{"address", stringField},
		{"shutdown_timeout", durationField},
		{"read_header_timeout", durationField},
		{"fibonacci_cache_ttl", durationField},
		{"admin_address", stringField},
	}},
}

// configDescriptor returns the descriptor of the root Config message, built once.
var configDescriptor = sync.OnceValues(func() (protoreflect.MessageDescriptor, error) {
	return buildConfigDescriptor(configSections)
})

func sectionMessageName(section string) string {
	return strings.ToUpper(section[:1]) + section[1:]
}

// buildConfigDescriptor turns `sections` into a proto2 file holding one message per section and a root Config
// message with a field per section.
func buildConfigDescriptor(sections []configSection) (protoreflect.MessageDescriptor, error) {
	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String("memo/config.proto"),
		Package:    proto.String(configPackage),
		Syntax:     proto.String("proto2"),
		Dependency: []string{durationpb.File_google_protobuf_duration_proto.Path()},
	}
	durationTypeName := "." + string((&durationpb.Duration{}).ProtoReflect().Descriptor().FullName())
	root := &descriptorpb.DescriptorProto{Name: proto.String(configMessageName)}
	for sectionIdx, section := range sections {
		if section.name == "" {
			return nil, fmt.Errorf("config section #%d has no name", sectionIdx)
		}
		messageName := sectionMessageName(section.name)
		message := &descriptorpb.DescriptorProto{Name: proto.String(messageName)}
		for fieldIdx, field := range section.fields {
			fieldProto := &descriptorpb.FieldDescriptorProto{
				Name:   proto.String(field.flagName),
				Number: proto.Int32(int32(fieldIdx + 1)),
				Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				Type:   field.kind.protoType().Enum(),
			}
			if field.kind == durationField {
				fieldProto.TypeName = proto.String(durationTypeName)
			}
			message.Field = append(message.Field, fieldProto)
		}
		file.MessageType = append(file.MessageType, message)
		root.Field = append(root.Field, &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(section.name),
			Number:   proto.Int32(int32(sectionIdx + 1)),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
			TypeName: proto.String("." + configPackage + "." + messageName),
		})
	}
	file.MessageType = append(file.MessageType, root)

	fileDescriptor, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return nil, fmt.Errorf("invalid config schema: %w", err)
	}
	return fileDescriptor.Messages().ByName(configMessageName), nil
}
