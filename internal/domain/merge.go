// Package domain defines the records mirrored from a remote chat server
// (users, guilds, roles, members, channels, messages), the wire payloads the
// gateway delivers for them, and the persistence models for stored
// credentials.
//
// Records are owned by the entity cache. Every field is safe to read only
// while the owning cache's lock is held.
package domain

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
)

// mergeFields performs a shallow merge of the JSON object raw into the struct
// pointed to by dst: every exported field whose JSON name is a key of raw is
// overwritten, everything else is left alone. Keys listed in skip are never
// applied. It returns the names of the fields that were written, sorted.
//
// raw is decoded into a fresh value first, so a malformed patch leaves dst
// untouched and no pointer held by dst is written through.
func mergeFields(dst any, raw json.RawMessage, skip ...string) ([]string, error) {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return nil, err
	}
	for _, k := range skip {
		delete(present, k)
	}

	rv := reflect.ValueOf(dst).Elem()
	patch := reflect.New(rv.Type())
	if err := json.Unmarshal(raw, patch.Interface()); err != nil {
		return nil, err
	}

	t := rv.Type()
	fields := make([]string, 0, len(present))
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "" {
			continue
		}
		if _, ok := present[name]; !ok {
			continue
		}
		rv.Field(i).Set(patch.Elem().Field(i))
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields, nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}
