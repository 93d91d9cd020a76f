package dsn

import (
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
)

// Classification is the bounce taxonomy derived from one recipient block.
type Classification struct {
	StatusCode     string // canonical "X.Y.Z"
	StatusClass    int
	StatusCategory int
	BounceType     domain.BounceType
	BounceSubType  domain.BounceSubType
}

// subTypeByStatus maps enhanced codes to the fixed failure categories.
// Codes absent here fall through to class-level defaults.
var subTypeByStatus = map[string]domain.BounceSubType{
	"5.1.1": domain.SubTypeUserUnknown,
	"5.1.2": domain.SubTypeBadDestination,
	"5.1.3": domain.SubTypeBadDestination,
	"5.1.6": domain.SubTypeMailboxDisabled,
	"5.1.10": domain.SubTypeUserUnknown,
	"5.2.1": domain.SubTypeMailboxDisabled,
	"5.2.2": domain.SubTypeMailboxFull,
	"5.2.3": domain.SubTypeMessageTooLarge,
	"5.3.4": domain.SubTypeMessageTooLarge,
	"5.4.4": domain.SubTypeInvalidDomain,
	"5.4.6": domain.SubTypeDNSFailure,
	"5.7.1": domain.SubTypePolicyRejection,
	"5.7.9": domain.SubTypePolicyRejection,
	"5.7.28": domain.SubTypeContentRejected,
	"4.2.2": domain.SubTypeMailboxFull,
	"4.3.2": domain.SubTypeConnFailed,
	"4.4.1": domain.SubTypeConnFailed,
	"4.4.2": domain.SubTypeConnFailed,
	"4.4.3": domain.SubTypeDNSFailure,
	"4.4.7": domain.SubTypeDeliveryTimeout,
	"4.7.1": domain.SubTypePolicyRejection,
}

// softPermanentCodes are 5.x codes that are operationally retriable:
// a full mailbox or an oversized message is not a dead address.
var softPermanentCodes = map[string]bool{
	"5.2.2": true, // mailbox full
	"5.3.4": true, // message too large
}

// Classify derives the bounce taxonomy from an enhanced status string and
// the reported diagnostic code. Unparseable statuses classify as a soft
// UNKNOWN so a malformed DSN never hard-blocks an address.
func Classify(status, diagnosticCode string) Classification {
	code, err := ParseEnhancedCode(status)
	if err != nil {
		return Classification{
			StatusCode:    strings.TrimSpace(status),
			BounceType:    domain.BounceSoft,
			BounceSubType: domain.SubTypeUnknown,
		}
	}

	c := Classification{
		StatusCode:     code.String(),
		StatusClass:    code.Class,
		StatusCategory: code.Subject,
	}

	switch {
	case code.Class == 5 && softPermanentCodes[c.StatusCode]:
		c.BounceType = domain.BounceSoft
	case code.Class == 5:
		c.BounceType = domain.BounceHard
	case code.Class == 4:
		c.BounceType = domain.BounceTransient
	default:
		c.BounceType = domain.BounceSoft
	}

	if sub, ok := subTypeByStatus[c.StatusCode]; ok {
		c.BounceSubType = sub
	} else {
		switch code.Class {
		case 5:
			c.BounceSubType = domain.SubTypeGeneralFailure
		case 4:
			c.BounceSubType = domain.SubTypeGeneralFailure
		default:
			c.BounceSubType = domain.SubTypeUnknown
		}
	}

	// Providers report suppression-list hits with ordinary 5.1.1 codes;
	// the diagnostic text is the only reliable signal.
	if strings.Contains(strings.ToLower(diagnosticCode), "suppression list") {
		c.BounceSubType = domain.SubTypeSuppressionList
	}

	return c
}
