package helper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	om "github.com/cevaris/ordered_map"
	"github.com/goccy/go-json"
	"github.com/relloyd/ogdsync/constants"
)

// StringSliceToOrderedMap adds each value in s to an ordered map with key and value set to the value in s.
func StringSliceToOrderedMap(s []string) *om.OrderedMap {
	retval := om.NewOrderedMap()
	for _, v := range s {
		retval.Set(v, v)
	}
	return retval
}

// OrderedMapKeys returns the keys of m in insertion order.
// All keys are expected to be of type string.
func OrderedMapKeys(m *om.OrderedMap) []string {
	retval := make([]string, 0, m.Len())
	iter := m.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		retval = append(retval, kv.Key.(string))
	}
	return retval
}

// CsvToStringSliceTrimSpaces converts a string of the form, 'f1, f2, f3...' into a slice of string values.
// Spaces are trimmed and empty values are dropped.
func CsvToStringSliceTrimSpaces(s string) []string {
	tokens := strings.Split(s, ",")
	retval := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			retval = append(retval, t)
		}
	}
	return retval
}

// GetTrueFalseStringAsBool trims spaces from s and checks if it can regexp (case insensitive) match "true".
// It returns true if there's a match else false.
func GetTrueFalseStringAsBool(s string) bool {
	re := regexp.MustCompile("(?i)^(true|1|yes)$")
	return re.MatchString(strings.TrimSpace(s))
}

// GetStringFromInterface converts a decoded JSON value into the text stored in a raw column.
// JSON null and missing values return nil so they stay NULL in the database.
// Objects and arrays are written back out as compact JSON.
func GetStringFromInterface(input interface{}) *string {
	var retval string
	switch v := input.(type) {
	case nil:
		return nil
	case string:
		retval = v
	case bool:
		retval = strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) { // if we can treat this as an integer...
			retval = strconv.FormatInt(int64(v), 10)
		} else {
			retval = strconv.FormatFloat(v, 'f', -1, 64) // use 'f' to preserve all decimal points without an exponent.
		}
	case []byte:
		retval = string(v)
	case json.Number:
		retval = v.String()
	case int, int32, int64:
		retval = fmt.Sprintf("%d", v)
	case time.Time:
		retval = v.Format(constants.TimeFormatNaive)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			retval = fmt.Sprint(v)
		} else {
			retval = string(b)
		}
	}
	return &retval
}

// StringPtrValue returns the value behind s or "" if s is nil.
func StringPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// InterfaceToString converts a row of database values into strings for CSV output.
// NULL values become empty strings.
func InterfaceToString(src []interface{}) []string {
	retval := make([]string, len(src))
	for i, v := range src {
		retval[i] = StringPtrValue(GetStringFromInterface(v))
	}
	return retval
}
