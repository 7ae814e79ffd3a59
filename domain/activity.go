package domain

import (
	"encoding/json"
	"fmt"
)

// ActivityStreamsContext is the JSON-LD context carried by every activity
// this server emits.
const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// PublicAudience addresses an activity to the world.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// Activity is a single ActivityStreams message. The object field stays raw
// until a handler asks for a typed view of it, since its shape depends on
// the activity type (a bare URI for Like, an embedded activity for Undo,
// a Note for Create).
type Activity struct {
	Context   any             `json:"@context,omitempty"`
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object,omitempty"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
}

// Note is the object payload of a Create activity.
type Note struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo,omitempty"`
	Content      string   `json:"content"`
	Published    string   `json:"published,omitempty"`
	To           []string `json:"to,omitempty"`
	Cc           []string `json:"cc,omitempty"`
}

// ParseActivity decodes raw JSON into an Activity and checks the fields
// every handler relies on.
func ParseActivity(raw []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	if a.Type == "" {
		return nil, fmt.Errorf("activity missing type field")
	}
	if a.Actor == "" {
		return nil, fmt.Errorf("activity missing actor field")
	}
	return &a, nil
}

// ObjectURI returns the object's identifier, whether the object is a bare
// URI string or an embedded document with an id field.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// ObjectActivity decodes the object as an embedded activity, as carried by
// Undo and Accept.
func (a *Activity) ObjectActivity() (*Activity, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity has no object")
	}
	var inner Activity
	if err := json.Unmarshal(a.Object, &inner); err != nil {
		return nil, fmt.Errorf("failed to parse embedded activity: %w", err)
	}
	if inner.Type == "" {
		return nil, fmt.Errorf("embedded activity missing type field")
	}
	return &inner, nil
}

// ObjectNote decodes the object as a Note, as carried by Create.
func (a *Activity) ObjectNote() (*Note, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("activity has no object")
	}
	var note Note
	if err := json.Unmarshal(a.Object, &note); err != nil {
		return nil, fmt.Errorf("failed to parse note object: %w", err)
	}
	return &note, nil
}
