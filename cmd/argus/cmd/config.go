package cmd

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/argus/internal/config"
	"github.com/jmylchreest/argus/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing argus configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file or environment overrides this shows every option with
its default value, so the output can be used as a template:

  argus config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, /etc/argus/config.yaml, $HOME/.argus/config.yaml)
  - Environment variables (ARGUS_SERVER_PORT, ARGUS_DATABASE_DSN, etc.)
  - A .env file in the working directory
  - Command-line flags (for some options)

Environment variables use the ARGUS_ prefix and underscores for nesting.
Example: recording.segment_duration -> ARGUS_RECORDING_SEGMENT_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = strings.ToLower(fieldType.Name)
		}

		result[key] = toValue(field)
	}
	return result
}

func toValue(field reflect.Value) any {
	switch v := field.Interface().(type) {
	case time.Duration:
		return duration.Format(v)
	case config.Duration, config.ByteSize:
		return v.(fmt.Stringer).String()
	}

	switch field.Kind() {
	case reflect.Struct:
		return toMap(field.Interface())
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.Struct {
			return field.Interface()
		}
		items := make([]any, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			items = append(items, toMap(field.Index(i).Interface()))
		}
		return items
	default:
		return field.Interface()
	}
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# argus Configuration File")
	fmt.Fprintln(out, "# ========================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h, 30d")
	fmt.Fprintln(out, "# Size format: 500MB, 10GB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   ARGUS_SERVER_HOST, ARGUS_SERVER_PORT")
	fmt.Fprintln(out, "#   ARGUS_DATABASE_DRIVER, ARGUS_DATABASE_DSN")
	fmt.Fprintln(out, "#   ARGUS_STORAGE_BASE_DIR, ARGUS_STORAGE_RECORDINGS_DIR")
	fmt.Fprintln(out, "#   ARGUS_MEDIA_PROVIDER, ARGUS_RECORDING_SEGMENT_DURATION")
	fmt.Fprintln(out, "#   ARGUS_LOGGING_LEVEL, ARGUS_LOGGING_FORMAT")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))

	return nil
}
