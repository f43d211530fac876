// Package cfgstruct binds a nested configuration struct's fields to
// pflag flags by reflection, deriving kebab-case flag names from
// field names and defaults from each field's `default` struct tag.
// Every tunable named in spec.md §6 (storage, token, verifier,
// discovery, dispatch, replication, power, role) is bound this way so
// it is simultaneously a config-file key, an env var (via viper) and
// a CLI flag, matching the teacher's own cfgstruct/process/viper
// wiring.
package cfgstruct

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// BindOpt configures a single Bind call.
type BindOpt func(*bindOpts)

type bindOpts struct {
	confDir string
	nested  bool
}

// ConfDir substitutes $CONFDIR and ${CONFDIR} in every field's
// `default` tag with path, unchanged regardless of nesting depth.
func ConfDir(path string) BindOpt {
	return func(o *bindOpts) { o.confDir = path; o.nested = false }
}

// ConfDirNested behaves like ConfDir, except each level of struct
// nesting appends that field's kebab-case name to the substituted
// path, so configuration for a nested subsystem defaults under its
// own subdirectory.
func ConfDirNested(path string) BindOpt {
	return func(o *bindOpts) { o.confDir = path; o.nested = true }
}

// Bind reflects over the struct pointed to by c and registers one
// pflag flag per leaf field, recursing into nested structs (dot-joined
// flag names) and fixed-size arrays of structs (zero-padded numeric
// index segments, e.g. "fields.03.another-int").
func Bind(f *pflag.FlagSet, c interface{}, opts ...BindOpt) {
	var o bindOpts
	for _, opt := range opts {
		opt(&o)
	}
	val := reflect.ValueOf(c).Elem()
	bindStruct(f, val, "", o.confDir, o.nested)
}

var durationType = reflect.TypeOf(time.Duration(0))

func bindStruct(f *pflag.FlagSet, val reflect.Value, prefix, confDir string, nested bool) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		field := val.Field(i)
		name := prefix + hyphenate(sf.Name)

		switch {
		case field.Kind() == reflect.Struct && field.Type() != durationType:
			childConfDir := confDir
			if nested {
				childConfDir = joinConfDir(confDir, hyphenate(sf.Name))
			}
			bindStruct(f, field, name+".", childConfDir, nested)

		case field.Kind() == reflect.Array && field.Type().Elem().Kind() == reflect.Struct:
			width := len(strconv.Itoa(field.Len()))
			for j := 0; j < field.Len(); j++ {
				idx := fmt.Sprintf("%0*d", width, j)
				bindStruct(f, field.Index(j), fmt.Sprintf("%s.%s.", name, idx), confDir, nested)
			}

		default:
			bindLeaf(f, field, name, sf.Tag.Get("default"), confDir)
		}
	}
}

func joinConfDir(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "/" + segment
}

func substituteConfDir(value, confDir string) string {
	resolved := filepath.FromSlash(confDir)
	value = strings.ReplaceAll(value, "${CONFDIR}", resolved)
	value = strings.ReplaceAll(value, "$CONFDIR", resolved)
	return value
}

func bindLeaf(f *pflag.FlagSet, field reflect.Value, name, defaultTag, confDir string) {
	defaultTag = substituteConfDir(defaultTag, confDir)

	switch {
	case field.Type() == durationType:
		d, _ := time.ParseDuration(defaultTag)
		f.DurationVar(field.Addr().Interface().(*time.Duration), name, d, "")
	case field.Kind() == reflect.String:
		f.StringVar(field.Addr().Interface().(*string), name, defaultTag, "")
	case field.Kind() == reflect.Bool:
		b, _ := strconv.ParseBool(defaultOr(defaultTag, "false"))
		f.BoolVar(field.Addr().Interface().(*bool), name, b, "")
	case field.Kind() == reflect.Int64:
		n, _ := strconv.ParseInt(defaultOr(defaultTag, "0"), 10, 64)
		f.Int64Var(field.Addr().Interface().(*int64), name, n, "")
	case field.Kind() == reflect.Int:
		n, _ := strconv.Atoi(defaultOr(defaultTag, "0"))
		f.IntVar(field.Addr().Interface().(*int), name, n, "")
	case field.Kind() == reflect.Uint64:
		n, _ := strconv.ParseUint(defaultOr(defaultTag, "0"), 10, 64)
		f.Uint64Var(field.Addr().Interface().(*uint64), name, n, "")
	case field.Kind() == reflect.Uint:
		n, _ := strconv.ParseUint(defaultOr(defaultTag, "0"), 10, 64)
		f.UintVar(field.Addr().Interface().(*uint), name, uint(n), "")
	case field.Kind() == reflect.Float64:
		n, _ := strconv.ParseFloat(defaultOr(defaultTag, "0"), 64)
		f.Float64Var(field.Addr().Interface().(*float64), name, n, "")
	}
}

func defaultOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Hyphenate exposes the kebab-case flag-name derivation Bind uses
// internally, so other packages (process.Bind's hidden-tag walk) can
// name the same flag without re-deriving the convention.
func Hyphenate(name string) string {
	return hyphenate(name)
}

func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) && !isUpper(runes[i-1]) {
			out.WriteByte('-')
		}
		out.WriteRune(toLower(r))
	}
	return out.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func toLower(r rune) rune {
	if isUpper(r) {
		return r + ('a' - 'A')
	}
	return r
}
