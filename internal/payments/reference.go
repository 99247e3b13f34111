package payments

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
)

var referencePattern = regexp.MustCompile(`^solicitud_(\d+)_user_(\d+)$`)

// FormatReference builds the external reference embedded in a payment
// preference. The gateway echoes it back verbatim in payment details.
func FormatReference(requestID, userID int64) string {
	return fmt.Sprintf("solicitud_%d_user_%d", requestID, userID)
}

// ParseReference extracts the request and user ids from an external reference.
func ParseReference(ref string) (requestID, userID int64, err error) {
	m := referencePattern.FindStringSubmatch(ref)
	if m == nil {
		return 0, 0, apperr.E(apperr.BadReference, "payments.ParseReference", fmt.Sprintf("malformed external reference %q", ref))
	}
	requestID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.BadReference, "payments.ParseReference", err)
	}
	userID, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.BadReference, "payments.ParseReference", err)
	}
	return requestID, userID, nil
}
