// Memo uses flags and a single config file for configuration.
// A config file is stored in .txtpb format and contains the values that can be set via flags; the field names of
// its leaves are the flag names themselves.

package config

import (
	"flag"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/durationpb"
)

// skippedProtobufFlags is the list of command line flags on which the protobuf check is disabled.
var skippedProtobufFlags = []string{"print_version", "config_file"}

var durationFullName = (&durationpb.Duration{}).ProtoReflect().Descriptor().FullName()

// isLeaf tells whether `fd` sets a flag rather than grouping other fields.
func isLeaf(fd protoreflect.FieldDescriptor) bool {
	return fd.Kind() != protoreflect.MessageKind || fd.Message().FullName() == durationFullName
}

// durationFromMessage reads a google.protobuf.Duration through reflection; dynamic messages don't come as
// *durationpb.Duration.
func durationFromMessage(m protoreflect.Message) (time.Duration, error) {
	fields := m.Descriptor().Fields()
	duration := &durationpb.Duration{
		Seconds: m.Get(fields.ByName("seconds")).Int(),
		Nanos:   int32(m.Get(fields.ByName("nanos")).Int()),
	}
	if err := duration.CheckValid(); err != nil {
		return 0, err
	}
	return duration.AsDuration(), nil
}

// protobufValueToString converts a protobuf field value to its string representation suitable for flag setting.
func protobufValueToString(fd protoreflect.FieldDescriptor, v protoreflect.Value) (string, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool()), nil
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10), nil
	case protoreflect.StringKind:
		return v.String(), nil
	case protoreflect.MessageKind:
		if fd.Message().FullName() != durationFullName {
			return "", fmt.Errorf("unsupported message leaf: %s", fd.Message().FullName())
		}
		duration, err := durationFromMessage(v.Message())
		if err != nil {
			return "", err
		}
		return duration.String(), nil
	default:
		return "", fmt.Errorf("unsupported kind: %v", fd.Kind())
	}
}

// collectAndRegisterFlags collects all set leaves of the given protobuf message with their values.
// The collected flags are put inside the given `flags` variable.
func collectAndRegisterFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, m protoreflect.Message) error {
	var err error
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.IsList() || fd.IsMap() {
			err = fmt.Errorf("repeated/map not supported: %s", fd.FullName())
			return false
		}
		// Recurse into sections.
		if !isLeaf(fd) {
			err = collectAndRegisterFlags(flags, v.Message())
			return err == nil
		}
		flagName := string(fd.Name())
		stringValue, convErr := protobufValueToString(fd, v)
		if convErr != nil {
			err = fmt.Errorf("failed to convert %s: %w", fd.FullName(), convErr)
			return false
		}
		if _, alreadyExists := flags[flagName]; alreadyExists {
			err = fmt.Errorf("flag '%s' has multiple entries in txtpb config: '%s'", flagName, fd.FullName())
			return false
		}
		flags[flagName] = stringValue
		return true
	})
	return err
}

// setConfigFlags sets all the filled flags in the given `conf` on `flagSet`. Flags already given on the command
// line keep their value.
func setConfigFlags(flagSet *flag.FlagSet, conf protoreflect.Message) error {
	registeredFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectAndRegisterFlags(registeredFlags, conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	commandLineFlags := make(map[string]struct{})
	flagSet.Visit(func(f *flag.Flag) { commandLineFlags[f.Name] = struct{}{} })
	for flagName, flagValue := range registeredFlags {
		if _, onCommandLine := commandLineFlags[flagName]; onCommandLine {
			continue
		}
		if setErr := flagSet.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// getDefinedFlags returns the set of flags the given protobuf message schema has a leaf for.
func getDefinedFlags(md protoreflect.MessageDescriptor) (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[ /*flagName*/ string]struct{})
	var walkFields func(md protoreflect.MessageDescriptor) error
	walkFields = func(md protoreflect.MessageDescriptor) error {
		for fieldIdx := 0; fieldIdx < md.Fields().Len(); fieldIdx++ {
			fd := md.Fields().Get(fieldIdx)
			if fd.IsList() || fd.IsMap() {
				continue // Skip repeated/map fields.
			}
			if !isLeaf(fd) {
				if err := walkFields(fd.Message()); err != nil {
					return err
				}
				continue
			}
			flagName := string(fd.Name())
			if _, exists := flagSet[flagName]; exists {
				return fmt.Errorf("duplicate flag name '%s' in config: %s", flagName, fd.FullName())
			}
			flagSet[flagName] = struct{}{}
		}
		return nil
	}
	if err := walkFields(md); err != nil {
		return nil, err
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects the mismatches between the registered command line flags and the config
// schema: flags the config file can't set, and config fields no flag backs.
func CollectUnregisteredFlags() []error {
	return collectUnregisteredFlags(flag.CommandLine)
}

func collectUnregisteredFlags(flagSet *flag.FlagSet) []error {
	md, err := configDescriptor()
	if err != nil {
		return []error{err}
	}
	definedFlags, err := getDefinedFlags(md)
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flagSet.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedProtobufFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in protobuf config", f.Name))
		}
	})
	for flagName := range definedFlags {
		if flagSet.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("config field '%s' has no registered flag", flagName))
		}
	}
	return errs
}
