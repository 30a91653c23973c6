package crm

import (
	"encoding/json"
	"sort"
)

// Scope is the resolved per-tenant request context for every CRM call.
type Scope struct {
	BaseURL    string
	APIVersion string
	AuthHeader string
	LocationID string
}

type CustomFieldValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type Contact struct {
	ID           string             `json:"id"`
	LocationID   string             `json:"locationId,omitempty"`
	FirstName    string             `json:"firstName,omitempty"`
	LastName     string             `json:"lastName,omitempty"`
	Name         string             `json:"name,omitempty"`
	Email        string             `json:"email,omitempty"`
	Phone        string             `json:"phone,omitempty"`
	CompanyName  string             `json:"companyName,omitempty"`
	Address1     string             `json:"address1,omitempty"`
	City         string             `json:"city,omitempty"`
	State        string             `json:"state,omitempty"`
	PostalCode   string             `json:"postalCode,omitempty"`
	Country      string             `json:"country,omitempty"`
	Source       string             `json:"source,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	CustomFields []CustomFieldValue `json:"customFields,omitempty"`
}

func (c Contact) CustomField(id string) (string, bool) {
	for _, field := range c.CustomFields {
		if field.ID == id {
			return field.Value, true
		}
	}
	return "", false
}

type Opportunity struct {
	ID              string             `json:"id"`
	Name            string             `json:"name,omitempty"`
	PipelineID      string             `json:"pipelineId,omitempty"`
	PipelineStageID string             `json:"pipelineStageId,omitempty"`
	Status          string             `json:"status,omitempty"`
	MonetaryValue   json.Number        `json:"monetaryValue,omitempty"`
	ContactID       string             `json:"contactId,omitempty"`
	CustomFields    []CustomFieldValue `json:"customFields,omitempty"`
}

func (o Opportunity) CustomField(id string) (string, bool) {
	for _, field := range o.CustomFields {
		if field.ID == id {
			return field.Value, true
		}
	}
	return "", false
}

// Field is one top-level attribute of a write. Number marks a value that is
// already a decimal literal and is sent as a JSON number.
type Field struct {
	Key    string
	Value  string
	Number bool
}

// Write is the body of a contact or opportunity create/update. Tags are only
// sent on create; updates add tags through AddContactTags so existing tags
// are never replaced.
type Write struct {
	Fields       []Field
	Tags         []string
	CustomFields map[string]string
}

func (w Write) body(extra map[string]any, includeTags bool) map[string]any {
	out := make(map[string]any, len(w.Fields)+len(extra)+2)
	for _, field := range w.Fields {
		if field.Number {
			out[field.Key] = json.Number(field.Value)
		} else {
			out[field.Key] = field.Value
		}
	}
	for key, value := range extra {
		out[key] = value
	}
	if includeTags && len(w.Tags) > 0 {
		out["tags"] = w.Tags
	}
	if len(w.CustomFields) > 0 {
		ids := make([]string, 0, len(w.CustomFields))
		for id := range w.CustomFields {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fields := make([]CustomFieldValue, 0, len(ids))
		for _, id := range ids {
			fields = append(fields, CustomFieldValue{ID: id, Value: w.CustomFields[id]})
		}
		out["customFields"] = fields
	}
	return out
}

type EmailMessage struct {
	ContactID string
	From      string
	To        string
	Subject   string
	HTML      string
	Text      string
}

type EmailReceipt struct {
	MessageID      string `json:"messageId"`
	EmailMessageID string `json:"emailMessageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}
