// Package mapping translates billing entities into CRM writes and back. All
// functions are pure; amounts leave this package already formatted.
package mapping

import (
	"github.com/agentworkforce/billbridge/internal/crm"
)

// Field is one mapped CRM attribute. Number marks a decimal literal that the
// CRM expects as a JSON number.
type Field struct {
	Key    string
	Value  string
	Number bool
}

// Result is the output of a mapping. Field keys are unique; tags are only
// ever added.
type Result struct {
	Fields       []Field
	Tags         []string
	CustomFields map[string]string
}

// Set writes key, replacing an existing entry in place so order is kept.
func (r *Result) Set(key, value string) {
	r.set(Field{Key: key, Value: value})
}

func (r *Result) SetNumber(key, value string) {
	r.set(Field{Key: key, Value: value, Number: true})
}

func (r *Result) set(f Field) {
	for i := range r.Fields {
		if r.Fields[i].Key == f.Key {
			r.Fields[i] = f
			return
		}
	}
	r.Fields = append(r.Fields, f)
}

// setIf writes key only when value is non-empty; missing source data is
// omitted rather than written as a placeholder.
func (r *Result) setIf(key, value string) {
	if value != "" {
		r.Set(key, value)
	}
}

func (r Result) Get(key string) (string, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

func (r *Result) AddTag(tag string) {
	if tag == "" {
		return
	}
	for _, existing := range r.Tags {
		if existing == tag {
			return
		}
	}
	r.Tags = append(r.Tags, tag)
}

// SetCustom writes a custom field under the tenant's CRM field id for the
// logical key. Keys without a configured id are skipped.
func (r *Result) SetCustom(ids map[string]string, key, value string) {
	if value == "" {
		return
	}
	id := ids[key]
	if id == "" {
		return
	}
	if r.CustomFields == nil {
		r.CustomFields = map[string]string{}
	}
	r.CustomFields[id] = value
}

// Write converts the result into a CRM client write.
func (r Result) Write() crm.Write {
	w := crm.Write{
		Fields: make([]crm.Field, 0, len(r.Fields)),
		Tags:   append([]string(nil), r.Tags...),
	}
	for _, f := range r.Fields {
		w.Fields = append(w.Fields, crm.Field{Key: f.Key, Value: f.Value, Number: f.Number})
	}
	if len(r.CustomFields) > 0 {
		w.CustomFields = make(map[string]string, len(r.CustomFields))
		for k, v := range r.CustomFields {
			w.CustomFields[k] = v
		}
	}
	return w
}
