// Package subject validates and normalizes subject demographics.
package subject

import (
	"fmt"
	"time"

	"github.com/capturelab/mocap-server/pkg/types"
)

// MinBirthYear is the earliest accepted birth year.
const MinBirthYear = 1900

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Input is the demographic part of a subject create/update request. Nil
// pointers mean the field was not supplied.
type Input struct {
	Age       *int
	BirthYear *int
}

// Normalize derives the missing one of age and birth year from the other,
// using the calendar year of now, and validates the result.
//
//   - birth year given: age = year - birth year
//   - only age given:   birth year = year - age
//   - neither:          birth year = year, age = 0
func Normalize(in Input, now time.Time) (age, birthYear int, err error) {
	year := now.Year()
	switch {
	case in.BirthYear != nil:
		birthYear = *in.BirthYear
		if err := ValidateBirthYear(birthYear, now); err != nil {
			return 0, 0, err
		}
		age = year - birthYear
		if in.Age != nil {
			age = *in.Age
		}
	case in.Age != nil:
		age = *in.Age
		birthYear = year - age
		if err := ValidateBirthYear(birthYear, now); err != nil {
			return 0, 0, &ValidationError{Field: "age", Message: "implies " + err.(*ValidationError).Message}
		}
	default:
		birthYear = year
	}
	if age < 0 {
		return 0, 0, &ValidationError{Field: "age", Message: "must not be negative"}
	}
	return age, birthYear, nil
}

// ValidateBirthYear accepts years in [MinBirthYear, current year].
func ValidateBirthYear(birthYear int, now time.Time) error {
	if birthYear < MinBirthYear || birthYear > now.Year() {
		return &ValidationError{
			Field:   "birth_year",
			Message: fmt.Sprintf("ensure this value is between %d and %d", MinBirthYear, now.Year()),
		}
	}
	return nil
}

// Apply normalizes in and writes the result onto s.
func Apply(s *types.Subject, in Input, now time.Time) error {
	age, birthYear, err := Normalize(in, now)
	if err != nil {
		return err
	}
	s.Age = age
	s.BirthYear = birthYear
	return nil
}
