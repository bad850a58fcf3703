package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects a user edit synchronously with a descriptive
// message; nothing is written when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Relationship metadata enums accepted on user edits.
var (
	RelationshipTypes  = []string{"family", "close_friend", "colleague", "acquaintance", "other"}
	ContactFrequencies = []string{"daily", "weekly", "biweekly", "monthly", "quarterly", "yearly"}
)

// ProfileUpdate carries a partial user edit of a contact's relationship
// metadata. Nil fields are left untouched.
type ProfileUpdate struct {
	Notes            *string
	Tags             *[]string
	Birthday         *int64
	Company          *string
	JobTitle         *string
	Location         *string
	RelationshipType *string
	ContactFrequency *string
	Importance       *int
	CustomFields     *string
}

// Validate checks enum and range constraints before any write happens.
func (u *ProfileUpdate) Validate() error {
	if u.Importance != nil && (*u.Importance < 0 || *u.Importance > 5) {
		return &ValidationError{Field: "importance", Reason: "must be between 0 and 5"}
	}
	if u.RelationshipType != nil && *u.RelationshipType != "" && !contains(RelationshipTypes, *u.RelationshipType) {
		return &ValidationError{
			Field:  "relationship_type",
			Reason: "must be one of: " + strings.Join(RelationshipTypes, ", "),
		}
	}
	if u.ContactFrequency != nil && *u.ContactFrequency != "" && !contains(ContactFrequencies, *u.ContactFrequency) {
		return &ValidationError{
			Field:  "contact_frequency",
			Reason: "must be one of: " + strings.Join(ContactFrequencies, ", "),
		}
	}
	if u.CustomFields != nil && *u.CustomFields != "" && !json.Valid([]byte(*u.CustomFields)) {
		return &ValidationError{Field: "custom_fields", Reason: "must be valid JSON"}
	}
	return nil
}

// UpdateProfile applies a validated partial edit to a contact. Returns a
// ValidationError without touching the row when the edit is out of range.
func (db *DB) UpdateProfile(accountID, contactID string, u ProfileUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}

	if u.Notes != nil {
		add("notes", *u.Notes)
	}
	if u.Tags != nil {
		data, err := json.Marshal(*u.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		add("tags", string(data))
	}
	if u.Birthday != nil {
		add("birthday", *u.Birthday)
	}
	if u.Company != nil {
		add("company", *u.Company)
	}
	if u.JobTitle != nil {
		add("job_title", *u.JobTitle)
	}
	if u.Location != nil {
		add("location", *u.Location)
	}
	if u.RelationshipType != nil {
		add("relationship_type", *u.RelationshipType)
	}
	if u.ContactFrequency != nil {
		add("contact_frequency", *u.ContactFrequency)
	}
	if u.Importance != nil {
		add("importance", *u.Importance)
	}
	if u.CustomFields != nil {
		add("custom_fields", *u.CustomFields)
	}

	args = append(args, accountID, contactID)
	query := "UPDATE contacts SET " + strings.Join(set, ", ") + " WHERE account_id = ? AND id = ?"
	_, err := db.Exec(query, args...)
	return err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
