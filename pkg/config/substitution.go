package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"

	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}{]+)}`)

// ReplaceEnvVars expands "${VAR}" occurrences in raw config text with the
// value of the environment variable of the same name, looked up
// case-insensitively by uppercasing it. It returns a
// ConfigError if any "${...}" placeholder remains unresolved.
func ReplaceEnvVars(raw string) (string, error) {
	result := envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(strings.ToUpper(name)); ok {
			return value
		}
		return match
	})
	if remaining := envVarPattern.FindAllString(result, -1); len(remaining) > 0 {
		return result, engineerrors.Config("ReplaceEnvVars", "",
			fmt.Errorf("unresolved environment variable references: %v", remaining))
	}
	return result, nil
}

// pathSeparator is used when rendering a dotted field path for "{auto}"
// substitution, e.g. "myapp.1x0.events.my_event.impl".
const pathSeparator = "."

// ReplaceConfigArgs walks cfg (a pointer to a struct) and expands
// "{dotted.path}" and "{auto}" placeholders found in string fields.
// autoPrefix is prepended to the field's own dotted path when substituting
// "{auto}" (e.g. "myapp.1x0"). The walk runs twice so that a value built
// from "{auto}" can itself be referenced by a later "{a.b}" placeholder
// elsewhere in the tree: chained substitution resolves within two passes.
func ReplaceConfigArgs(cfg interface{}, autoPrefix string) error {
	for round := 0; round < 2; round++ {
		paths := collectStringFields(cfg)

		// First resolve {auto} using each field's own path.
		for _, f := range paths {
			if strings.Contains(f.value, "{auto}") {
				autoPath := f.path
				if autoPrefix != "" {
					autoPath = autoPrefix + pathSeparator + f.path
				}
				f.set(strings.ReplaceAll(f.value, "{auto}", autoPath))
			}
		}

		// Re-collect since {auto} substitution may have changed values.
		paths = collectStringFields(cfg)

		// Sort longest-path-first so "{a.b.c}" is substituted before a
		// prefix-colliding "{a.b}" could partially match it.
		sort.Slice(paths, func(i, j int) bool { return len(paths[i].path) > len(paths[j].path) })

		for _, f := range paths {
			placeholder := "{" + f.path + "}"
			for _, other := range paths {
				if strings.Contains(other.value, placeholder) {
					other.set(strings.ReplaceAll(other.value, placeholder, f.value))
				}
			}
		}
	}
	return nil
}

type stringField struct {
	path  string
	value string
	set   func(string)
}

// collectStringFields walks cfg reflectively and returns every exported,
// settable string field along with its dotted path and a setter closure.
func collectStringFields(cfg interface{}) []stringField {
	var out []stringField
	v := reflect.ValueOf(cfg)
	walkValue(v, "", &out)
	return out
}

func walkValue(v reflect.Value, path string, out *[]stringField) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return
		}
		walkValue(v.Elem(), path, out)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			name := fieldPathName(field)
			childPath := name
			if path != "" {
				childPath = path + pathSeparator + name
			}
			walkValue(v.Field(i), childPath, out)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			childPath := fmt.Sprintf("%s%s%v", path, pathSeparator, key.Interface())
			if path == "" {
				childPath = fmt.Sprintf("%v", key.Interface())
			}
			elem := v.MapIndex(key)
			if elem.Kind() == reflect.String {
				keyCopy := key
				m := v
				*out = append(*out, stringField{
					path:  childPath,
					value: elem.String(),
					set: func(s string) {
						m.SetMapIndex(keyCopy, reflect.ValueOf(s))
					},
				})
				continue
			}
			// Maps of non-string values (e.g. structs) need an addressable
			// copy to walk and write back, since map values aren't addressable.
			if elem.Kind() == reflect.Struct || elem.Kind() == reflect.Ptr {
				walkValue(elem, childPath, out)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			walkValue(v.Index(i), childPath, out)
		}
	case reflect.String:
		if v.CanSet() {
			*out = append(*out, stringField{
				path:  path,
				value: v.String(),
				set:   func(s string) { v.SetString(s) },
			})
		}
	}
}

func fieldPathName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("mapstructure"); ok {
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}
