package process

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreadstar/meshcore/pkg/cfgstruct"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Bind registers config's fields as flags on cmd via cfgstruct.Bind,
// then hides every field tagged hidden:"true" from --help and from
// SaveConfig's output, per spec.md §6's operator-config surface.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
	hideTagged(cmd.Flags(), reflect.ValueOf(config).Elem(), "")
}

func hideTagged(f *pflag.FlagSet, val reflect.Value, prefix string) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		field := val.Field(i)
		name := prefix + cfgstruct.Hyphenate(sf.Name)

		switch {
		case field.Kind() == reflect.Struct && field.Type() != durationType:
			hideTagged(f, field, name+".")
		case field.Kind() == reflect.Array && field.Type().Elem().Kind() == reflect.Struct:
			width := len(strconv.Itoa(field.Len()))
			for j := 0; j < field.Len(); j++ {
				idx := fmt.Sprintf("%0*d", width, j)
				hideTagged(f, field.Index(j), fmt.Sprintf("%s.%s.", name, idx))
			}
		default:
			if sf.Tag.Get("hidden") == "true" {
				_ = f.MarkHidden(name)
			}
		}
	}
}

// SaveConfig writes every visible (non-hidden) flag currently
// registered on cmd to path as a commented-out YAML stanza, one
// "# name: value" line per flag, documenting every tunable without
// exposing the ones a component marked hidden.
func SaveConfig(cmd *cobra.Command, path string) error {
	var buf bytes.Buffer
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		buf.WriteString("# ")
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value.String())
		buf.WriteString("\n")
	})
	return os.WriteFile(path, buf.Bytes(), 0644)
}
