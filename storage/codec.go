package storage

import (
	"encoding/json"
	"fmt"

	"github.com/migadu/mailspool/consts"
)

// EncodeColumns renders the list-valued fields of rec as JSON, for backends
// that keep records in table columns.
func EncodeColumns(rec *Record) (recipients, attributes []byte, err error) {
	recipients, err = json.Marshal(rec.Recipients)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: recipients of %s: %v", consts.ErrSerializationFailed, rec.Key, err)
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attributes, err = json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: attributes of %s: %v", consts.ErrSerializationFailed, rec.Key, err)
	}
	return recipients, attributes, nil
}

// DecodeColumns is the inverse of EncodeColumns. Undecodable columns make the
// record corrupt.
func DecodeColumns(rec *Record, recipients, attributes []byte) error {
	if err := json.Unmarshal(recipients, &rec.Recipients); err != nil {
		return fmt.Errorf("%w: recipients of %s: %v", consts.ErrCorruptRecord, rec.Key, err)
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &rec.Attributes); err != nil {
			return fmt.Errorf("%w: attributes of %s: %v", consts.ErrCorruptRecord, rec.Key, err)
		}
	}
	return nil
}
