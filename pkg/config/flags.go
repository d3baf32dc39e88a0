package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/dynamicpb"
)

var configFilePath = flag.String("config_file", "config.txtpb", "Path to the configuration file.")

// InitFlags parses the command line, then applies the config file specified by the -config_file flag to the flags
// the command line left untouched. A missing config file is not an error.
// It should be called after defining all flags and before using them.
func InitFlags() error {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return nil
	}
	err := LoadFile(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath)
		return nil
	}
	return err
}

// LoadFile applies the txtpb config at `path` to the process flags.
func LoadFile(path string) error {
	return loadFile(flag.CommandLine, path)
}

func loadFile(flagSet *flag.FlagSet, path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	md, err := configDescriptor()
	if err != nil {
		return err
	}
	conf := dynamicpb.NewMessage(md)
	if err := prototext.Unmarshal(configBytes, conf); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := setConfigFlags(flagSet, conf.ProtoReflect()); err != nil {
		return fmt.Errorf("failed to set flags from config file %s: %w", path, err)
	}
	return nil
}
