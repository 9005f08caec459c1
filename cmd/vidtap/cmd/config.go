package cmd

import (
	"fmt"
	"net/url"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/vidtap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing vidtap configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration (defaults, config file and environment
merged) in YAML format. Credentials are masked.

Redirect the output to a file to create a configuration template:

  vidtap config dump > config.yaml

Environment variables use the VIDTAP_ prefix and underscores for nesting.
Example: admission.max_concurrent -> VIDTAP_ADMISSION_MAX_CONCURRENT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

const masked = "********"

// secretKeys are config keys whose values are never printed.
var secretKeys = map[string]bool{
	"secret_access_key": true,
	"connection_string": true,
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and byte sizes in their human-readable forms.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		case string:
			switch {
			case secretKeys[key] && fv != "":
				result[key] = masked
			case key == "dsn":
				result[key] = maskDSN(fv)
			default:
				result[key] = fv
			}
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

// maskDSN hides the password in URL-form DSNs such as postgres://u:p@host/db.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), masked)
	}
	return u.String()
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(toMap(appConfig))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# vidtap configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 30s, 5m, 168h")
	fmt.Fprintln(out, "# Size format: 64KiB, 8MiB, 1.5GiB or a byte count")
	fmt.Fprintln(out, "# Cron format has six fields, seconds first: \"0 0 * * * *\"")
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}
