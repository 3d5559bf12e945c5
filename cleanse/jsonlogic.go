package cleanse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/diegoholiveira/jsonlogic"
	"github.com/goccy/go-json"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/stream"
)

// JsonLogicQualifier qualifies events using a JSON Logic rule evaluated against the event's columns,
// e.g. {"==": [{"var": "api_type"}, "download"]}.
// The timestamp is supplied as text in the naive time format.
type JsonLogicQualifier struct {
	log  logger.Logger
	rule string
}

// NewJsonLogicQualifier validates rule and returns a Qualifier.
func NewJsonLogicQualifier(log logger.Logger, rule string) (*JsonLogicQualifier, error) {
	if !jsonlogic.IsValid(strings.NewReader(rule)) {
		return nil, fmt.Errorf("invalid JSON Logic rule: %v", rule)
	}
	return &JsonLogicQualifier{log: log, rule: rule}, nil
}

// IsQualifying returns true if the rule evaluates to true. Errors are logged and the event is
// treated as not qualifying.
func (q *JsonLogicQualifier) IsQualifying(e stream.RawEvent) bool {
	data := e.ToRecord()
	data.SetData(stream.FieldTimestamp, e.Timestamp.Format(constants.TimeFormatNaive))
	jsonData, err := json.Marshal(data.GetDataMap())
	if err != nil {
		q.log.Warn("error marshalling event before applying JSON logic: ", err)
		return false
	}
	result := bytes.Buffer{}
	if err = jsonlogic.Apply(strings.NewReader(q.rule), bytes.NewReader(jsonData), &result); err != nil {
		q.log.Warn("error applying JSON logic: ", err)
		return false
	}
	return strings.TrimSpace(result.String()) == "true"
}
