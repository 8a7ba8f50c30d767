package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length accepted for a single decoded
// value when no `maxLength` tag is present.
var defaultFieldLimit = 16 * 1024

// sourceOrder is the precedence used when a field carries several source tags.
var sourceOrder = []string{"path", "query", "header", "cookie"}

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the request.
//
// Supported struct tags:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  first value of r.URL.Query()[name]
//   - `header:"name"` r.Header.Get(name)
//   - `cookie:"name"` value of the named cookie
//   - `maxLength:"n"` maximum byte length of the value (default 16KB, "0" disables)
//
// A tag value of "-" ignores the field. An empty name defaults to the
// lower-cased field name. Supported field kinds are string, bool, the integer
// kinds, and pointers to those; a pointer field stays nil when the value is
// absent, which lets endpoints tell "missing" from "empty". Fields without a
// source tag are left unchanged, except embedded structs which are decoded
// recursively.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}

	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}
	return unmarshalStruct(r, root)
}

func unmarshalStruct(r *http.Request, structVal reflect.Value) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := structVal.Field(i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if err := unmarshalStruct(r, fv); err != nil {
				return err
			}
			continue
		}
		if sf.PkgPath != "" {
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, source := range sourceOrder {
			tag, ok := sf.Tag.Lookup(source)
			if !ok {
				continue
			}
			name := strings.TrimSpace(strings.Split(tag, ",")[0])
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			raw, present := lookupSource(r, source, name)
			if !present {
				continue
			}
			if limit > 0 && len(raw) > limit {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q exceeds %d bytes", source, name, limit))
			}
			if err := setField(fv, raw); err != nil {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", source, name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

func lookupSource(r *http.Request, source, name string) (string, bool) {
	switch source {
	case "path":
		v := r.PathValue(name)
		return v, v != ""
	case "query":
		if r.URL == nil {
			return "", false
		}
		vs, ok := r.URL.Query()[name]
		if !ok || len(vs) == 0 {
			return "", false
		}
		return vs[0], true
	case "header":
		vs := r.Header.Values(name)
		if len(vs) == 0 {
			return "", false
		}
		return vs[0], true
	case "cookie":
		c, err := r.Cookie(name)
		if err != nil {
			return "", false
		}
		return c.Value, true
	}
	return "", false
}

func setField(fv reflect.Value, raw string) error {
	if !fv.CanSet() {
		return errors.New("field is not settable")
	}
	if fv.Kind() == reflect.Pointer {
		p := reflect.New(fv.Type().Elem())
		if err := setField(p.Elem(), raw); err != nil {
			return err
		}
		fv.Set(p)
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// fieldLengthLimit returns the byte limit from the `maxLength` tag. Zero means
// unlimited.
func fieldLengthLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, fmt.Errorf("maxLength tag: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength tag must be non-negative")
	}
	return n, nil
}
