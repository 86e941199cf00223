package types

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID accepts both JSON strings and numbers. The backend emits numeric ids on
// some endpoints and string ids on others.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func IDFromInt(n int64) ID { return ID(strconv.FormatInt(n, 10)) }
