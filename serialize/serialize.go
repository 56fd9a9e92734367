// Package serialize turns outbox payloads to and from wire bytes using the
// codec registry, so a record's RecordType content type decides its
// encoding (JSON, XML, YAML) instead of a hard-coded format.
package serialize

import (
	"bytes"

	"oss.nandlabs.io/golly/codec"
)

// Marshal encodes v as contentType and returns the resulting bytes.
func Marshal(contentType string, v any) ([]byte, error) {
	c, err := codec.GetDefault(contentType)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := c.Write(v, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes payload, encoded as contentType, into v.
func Unmarshal(contentType string, payload []byte, v any) error {
	c, err := codec.GetDefault(contentType)
	if err != nil {
		return err
	}
	return c.Read(bytes.NewReader(payload), v)
}
