package loader

import (
	"os"
	"reflect"
	"strconv"

	"github.com/photonmcp/photon/pkg/photon"
)

// ResolveConfig builds the effective configuration record for a spec.
// Precedence per parameter: environment variable, then the saved record,
// then the declared default. Symbolic defaults are substituted with the
// host-specific value here (never during analysis).
//
// The second return lists the environment variable names of required
// parameters that stayed unresolved; a non-empty list means the photon is
// catalogued in the unconfigured state.
func ResolveConfig(spec *photon.Spec, getenv func(string) string, saved photon.ConfigRecord) (photon.ConfigRecord, []string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	rec := photon.ConfigRecord{}
	var missing []string
	for _, p := range spec.Params {
		switch {
		case getenv(p.EnvVar) != "":
			rec[p.Name] = getenv(p.EnvVar)
		case saved[p.Name] != "":
			rec[p.Name] = saved[p.Name]
		case p.SymbolicDefault:
			rec[p.Name] = resolveSymbolic(p.Default)
		case !p.Required:
			rec[p.Name] = p.Default
		default:
			missing = append(missing, p.EnvVar)
		}
	}
	return rec, missing
}

// resolveSymbolic evaluates the well-known default expressions on the host.
func resolveSymbolic(def string) string {
	switch def {
	case "homedir()":
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	case "cwd()":
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
	}
	return ""
}

// injectConfig writes the record into the photon struct's fields, coercing
// each string to the declared field type.
func injectConfig(recv reflect.Value, spec *photon.Spec, rec photon.ConfigRecord) error {
	target := recv
	if target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	for _, p := range spec.Params {
		raw, ok := rec[p.Name]
		if !ok {
			continue
		}
		field := target.FieldByName(p.Name)
		if !field.IsValid() || !field.CanSet() {
			return photon.Errorf(photon.KindInternal, "parameter %s has no settable field", p.Name)
		}
		if err := setField(field, raw); err != nil {
			return &photon.Error{
				Kind: photon.KindLoad,
				Msg:  "cannot coerce " + p.EnvVar + " to " + p.Type,
				Err:  err,
			}
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		field = field.Elem()
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	default:
		return photon.Errorf(photon.KindLoad, "unsupported field kind %s", field.Kind())
	}
	return nil
}
