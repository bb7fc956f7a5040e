package finbooksync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type FieldKind string

const (
	FieldKindMoney  FieldKind = "money"
	FieldKindDate   FieldKind = "date"
	FieldKindString FieldKind = "string"
)

// FieldRule compares one logical field across the local and remote snapshots.
// Money fields carry a tolerance in minor units; MinorUnits flags tell the
// comparator which side stores integers of cents vs decimal major units.
type FieldRule struct {
	Name            string    `json:"name"`
	LocalKey        string    `json:"local_key"`
	RemoteKey       string    `json:"remote_key"`
	Kind            FieldKind `json:"kind"`
	ToleranceCents  int64     `json:"tolerance_cents"`
	LocalMinorUnits bool      `json:"local_minor_units"`
}

// FieldMapping is the per-provider comparison policy: which snapshot keys hold
// modification timestamps, which remote statuses mean deletion, and how each
// mapped field is compared. Versioned so a policy change is an explicit bump
// rather than a silent behavior shift.
type FieldMapping struct {
	Provider           string      `json:"provider"`
	Version            int         `json:"version"`
	LocalModifiedKeys  []string    `json:"local_modified_keys"`
	RemoteModifiedKeys []string    `json:"remote_modified_keys"`
	RemoteStatusKey    string      `json:"remote_status_key"`
	RemoteDeletedVals  []string    `json:"remote_deleted_values"`
	LocalDeletedKey    string      `json:"local_deleted_key"`
	Rules              []FieldRule `json:"rules"`
}

// FinBooksFieldMapping is the active policy for the FinBooks provider.
func FinBooksFieldMapping() FieldMapping {
	return FieldMapping{
		Provider:           "finbooks",
		Version:            1,
		LocalModifiedKeys:  []string{"updatedAt", "modifiedAt"},
		RemoteModifiedKeys: []string{"UpdatedDateUTC", "DateTimeUTC"},
		RemoteStatusKey:    "Status",
		RemoteDeletedVals:  []string{"DELETED", "VOIDED"},
		LocalDeletedKey:    "isDeleted",
		Rules: []FieldRule{
			{Name: "amount", LocalKey: "amountCents", RemoteKey: "Amount", Kind: FieldKindMoney, ToleranceCents: 1, LocalMinorUnits: true},
			{Name: "accountCode", LocalKey: "accountCode", RemoteKey: "AccountCode", Kind: FieldKindString},
			{Name: "date", LocalKey: "transactionDate", RemoteKey: "DateUTC", Kind: FieldKindDate},
			{Name: "description", LocalKey: "description", RemoteKey: "Description", Kind: FieldKindString},
			{Name: "reference", LocalKey: "referenceNumber", RemoteKey: "Reference", Kind: FieldKindString},
		},
	}
}

// ExtractTimestamp probes the ordered candidate keys and returns the first
// value parseable as an instant, or nil when none is present.
func ExtractTimestamp(snapshot map[string]interface{}, keys []string) *time.Time {
	for _, key := range keys {
		v, ok := snapshot[key]
		if !ok || v == nil {
			continue
		}
		if t := parseInstant(v); t != nil {
			return t
		}
	}
	return nil
}

func parseInstant(v interface{}) *time.Time {
	switch value := v.(type) {
	case time.Time:
		t := value.UTC()
		return &t
	case *time.Time:
		if value == nil {
			return nil
		}
		t := value.UTC()
		return &t
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// Diff returns the names of mapped fields whose normalized values differ.
func (m FieldMapping) Diff(local, remote map[string]interface{}) []string {
	var fields []string
	for _, rule := range m.Rules {
		if !rule.equal(local[rule.LocalKey], remote[rule.RemoteKey]) {
			fields = append(fields, rule.Name)
		}
	}
	return fields
}

func (r FieldRule) equal(localVal, remoteVal interface{}) bool {
	switch r.Kind {
	case FieldKindMoney:
		localDec, lok := toDecimal(localVal, r.LocalMinorUnits)
		remoteDec, rok := toDecimal(remoteVal, false)
		if !lok || !rok {
			return normalizedString(localVal) == normalizedString(remoteVal)
		}
		tolerance := decimal.New(r.ToleranceCents, -2)
		return localDec.Sub(remoteDec).Abs().LessThanOrEqual(tolerance)
	case FieldKindDate:
		localT := parseInstant(localVal)
		remoteT := parseInstant(remoteVal)
		if localT == nil || remoteT == nil {
			return normalizedString(localVal) == normalizedString(remoteVal)
		}
		// Bank transaction dates carry day precision.
		return localT.Truncate(24 * time.Hour).Equal(remoteT.Truncate(24 * time.Hour))
	default:
		return normalizedString(localVal) == normalizedString(remoteVal)
	}
}

// toDecimal normalizes a snapshot value to major currency units.
func toDecimal(v interface{}, minorUnits bool) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch value := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		d = value
	case int:
		d = decimal.NewFromInt(int64(value))
	case int64:
		d = decimal.NewFromInt(value)
	case float64:
		d = decimal.NewFromFloat(value)
	case json.Number:
		parsed, err := decimal.NewFromString(value.String())
		if err != nil {
			return decimal.Zero, false
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return decimal.Zero, false
		}
		d = parsed
	default:
		return decimal.Zero, false
	}
	if minorUnits {
		d = d.Shift(-2)
	}
	return d, true
}

func normalizedString(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		b, _ := json.Marshal(value)
		return string(b)
	}
}
