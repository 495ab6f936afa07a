// Package validate holds the pure field normalization and validation rules
// applied to outbound payloads. Nothing here performs I/O; invalid input
// yields an empty result or an error string, never a panic.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ii-safety/ampsync/internal/model"
)

var (
	nonDigit   = regexp.MustCompile(`\D`)
	emailRe    = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	whitespace = regexp.MustCompile(`\s+`)
	alnumRe    = regexp.MustCompile(`^[A-Za-z0-9]{17}$`)
)

// Domain appended to synthesized employee emails when the source row
// carries none.
const syntheticEmailDomain = "company.com"

// CleanPhone normalizes a phone number to E.164. Returns "" when the
// input cannot be a valid number.
//
// Rules, in order: an input already carrying a leading "+" keeps its
// digits as-is when they form a plausible length; 10 digits get a US
// "+1" prefix; 11 digits starting with 1 get "+"; any other 11 to 15
// digit run gets "+"; everything else is rejected.
func CleanPhone(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	digits := nonDigit.ReplaceAllString(s, "")
	n := len(digits)
	switch {
	case strings.HasPrefix(s, "+") && n >= 10 && n <= 15:
		return "+" + digits
	case n == 10:
		return "+1" + digits
	case n == 11 && digits[0] == '1':
		return "+" + digits
	case n >= 11 && n <= 15:
		return "+" + digits
	default:
		return ""
	}
}

// CleanEmail lowercases and strips all whitespace from an email address,
// returning "" when the result does not look like a deliverable address.
func CleanEmail(s string) string {
	s = whitespace.ReplaceAllString(s, "")
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || !emailRe.MatchString(s) {
		return ""
	}
	return s
}

// NormalizeGender maps the source system's assorted gender encodings to
// SafetyAmp's 1 (male) / 0 (female). Unrecognized values map to nil.
func NormalizeGender(v any) *int {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		return genderFromString(fmt.Sprintf("%d", t))
	case int64:
		return genderFromString(fmt.Sprintf("%d", t))
	case float64:
		return genderFromString(fmt.Sprintf("%v", t))
	case *int:
		if t == nil {
			return nil
		}
		return genderFromString(fmt.Sprintf("%d", *t))
	case string:
		return genderFromString(t)
	default:
		return nil
	}
}

func genderFromString(s string) *int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "1":
		return model.IntPtr(1)
	case "f", "female", "0", "2":
		return model.IntPtr(0)
	default:
		return nil
	}
}

// FormatDate renders a date value as "YYYY-MM-DD". Accepts time values
// and ISO-formatted strings; anything else yields "".
func FormatDate(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02")
	case *time.Time:
		if t == nil || t.IsZero() {
			return ""
		}
		return t.Format("2006-01-02")
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return ""
		}
		for _, layout := range []string{
			"2006-01-02",
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.Format("2006-01-02")
			}
		}
		return ""
	default:
		return ""
	}
}

// ValidVIN reports whether s is exactly 17 alphanumeric characters.
func ValidVIN(s string) bool {
	return alnumRe.MatchString(s)
}

// ValidateEmployee cleans a user payload in preparation for a SafetyAmp
// write. String fields are whitespace-trimmed, phones that fail
// normalization are dropped, missing names default to "Unknown", and a
// missing email is synthesized from the names when both are real.
// The returned error list is empty when the payload is valid.
func ValidateEmployee(p model.UserPayload, empID, fullName string) (model.UserPayload, []string) {
	var errs []string

	p.EmpID = strings.TrimSpace(p.EmpID)
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.MiddleName = strings.TrimSpace(p.MiddleName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.TrimSpace(p.Email)
	p.Timezone = strings.TrimSpace(p.Timezone)

	hasFirst := p.FirstName != ""
	hasLast := p.LastName != ""
	if !hasFirst {
		p.FirstName = "Unknown"
	}
	if !hasLast {
		p.LastName = "Unknown"
	}

	if p.Email != "" {
		p.Email = CleanEmail(p.Email)
	}
	if p.Email == "" {
		if hasFirst && hasLast {
			p.Email = CleanEmail(fmt.Sprintf("%s.%s@%s", p.FirstName, p.LastName, syntheticEmailDomain))
		}
		if p.Email == "" {
			errs = append(errs, fmt.Sprintf("employee %s (%s): no email and cannot synthesize one", empID, fullName))
		}
	}

	if p.MobilePhone != "" {
		p.MobilePhone = CleanPhone(p.MobilePhone)
	}
	if p.WorkPhone != "" {
		p.WorkPhone = CleanPhone(p.WorkPhone)
	}

	return p, errs
}

// ValidateVehicle cleans an asset payload. A missing name or code is
// synthesized from the trailing characters of the vehicle id, and a VIN
// that is not exactly 17 alphanumerics is dropped.
func ValidateVehicle(p model.AssetPayload, vehicleID string) (model.AssetPayload, []string) {
	var errs []string

	p.Name = strings.TrimSpace(p.Name)
	p.Code = strings.TrimSpace(p.Code)
	p.Serial = strings.TrimSpace(p.Serial)
	p.VIN = strings.TrimSpace(p.VIN)
	p.Description = strings.TrimSpace(p.Description)

	suffix := vehicleID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	if p.Name == "" {
		p.Name = "Vehicle_" + suffix
	}
	if p.Code == "" {
		p.Code = "V_" + suffix
	}
	if p.Name == "Vehicle_" || p.Code == "V_" {
		errs = append(errs, fmt.Sprintf("vehicle %q: cannot synthesize name or code", vehicleID))
	}

	if p.VIN != "" && !ValidVIN(p.VIN) {
		p.VIN = ""
	}

	return p, errs
}
