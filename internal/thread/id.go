package thread

import (
	"regexp"
	"strings"

	apperrors "github.com/edisys/edigw/internal/common/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateID accepts a thread id iff it is non-empty, contains no path
// separators or "..", and fully matches [A-Za-z0-9._-]+. The ".." check is
// explicit because the character class alone would admit it.
func ValidateID(id string) *apperrors.AppError {
	if id == "" {
		return apperrors.Validation("Invalid threadId")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return apperrors.Validation("Invalid threadId")
	}
	if !idPattern.MatchString(id) {
		return apperrors.Validation("Invalid threadId")
	}
	return nil
}
