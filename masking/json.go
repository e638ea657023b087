/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package masking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cossacklabs/ironveil/config"
)

// maxJSONDepth caps masking in nested documents. String leaves nested deeper
// than the cap pass through unmasked; containers beyond the cap are still
// walked and re-emitted.
const maxJSONDepth = 64

var errUnexpectedJSONToken = errors.New("unexpected JSON token")

// maskJSON walks the document with a streaming decoder and re-emits it with
// string leaves masked. Key order and number formatting are preserved; the
// original bytes are returned untouched when no leaf changed.
func (engine *MaskingEngine) maskJSON(snapshot *config.Snapshot, table string, data []byte) ([]byte, bool, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var out bytes.Buffer
	out.Grow(len(data))
	changed, err := engine.maskJSONValue(snapshot, table, decoder, &out, "", 0)
	if err != nil {
		return nil, false, err
	}
	// trailing garbage after the document means it wasn't JSON after all
	if _, err := decoder.Token(); err != io.EOF {
		return nil, false, errUnexpectedJSONToken
	}
	if !changed {
		return data, false, nil
	}
	return out.Bytes(), true, nil
}

// maskJSONValue consumes exactly one JSON value from the decoder and writes
// its possibly masked form to out. key is the object key this value is bound
// to, used as the synthetic column name for rule lookup.
func (engine *MaskingEngine) maskJSONValue(snapshot *config.Snapshot, table string, decoder *json.Decoder, out *bytes.Buffer, key string, depth int) (bool, error) {
	token, err := decoder.Token()
	if err != nil {
		return false, err
	}
	switch value := token.(type) {
	case json.Delim:
		switch value {
		case '{':
			return engine.maskJSONObject(snapshot, table, decoder, out, depth)
		case '[':
			return engine.maskJSONArray(snapshot, table, decoder, out, key, depth)
		default:
			return false, errUnexpectedJSONToken
		}
	case string:
		masked := value
		changed := false
		if depth <= maxJSONDepth {
			masked, changed = engine.maskScalarString(snapshot, table, key, value)
		}
		return changed, writeJSONString(out, masked)
	case json.Number:
		out.WriteString(value.String())
		return false, nil
	case bool:
		if value {
			out.WriteString("true")
		} else {
			out.WriteString("false")
		}
		return false, nil
	case nil:
		out.WriteString("null")
		return false, nil
	default:
		return false, errUnexpectedJSONToken
	}
}

func (engine *MaskingEngine) maskJSONObject(snapshot *config.Snapshot, table string, decoder *json.Decoder, out *bytes.Buffer, depth int) (bool, error) {
	out.WriteByte('{')
	changed := false
	first := true
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return changed, err
		}
		key, ok := keyToken.(string)
		if !ok {
			return changed, errUnexpectedJSONToken
		}
		if !first {
			out.WriteByte(',')
		}
		first = false
		if err := writeJSONString(out, key); err != nil {
			return changed, err
		}
		out.WriteByte(':')
		valueChanged, err := engine.maskJSONValue(snapshot, table, decoder, out, key, depth+1)
		if err != nil {
			return changed, err
		}
		changed = changed || valueChanged
	}
	if _, err := decoder.Token(); err != nil {
		return changed, err
	}
	out.WriteByte('}')
	return changed, nil
}

func (engine *MaskingEngine) maskJSONArray(snapshot *config.Snapshot, table string, decoder *json.Decoder, out *bytes.Buffer, key string, depth int) (bool, error) {
	out.WriteByte('[')
	changed := false
	first := true
	for decoder.More() {
		if !first {
			out.WriteByte(',')
		}
		first = false
		// array elements inherit the enclosing key as their column name
		valueChanged, err := engine.maskJSONValue(snapshot, table, decoder, out, key, depth+1)
		if err != nil {
			return changed, err
		}
		changed = changed || valueChanged
	}
	if _, err := decoder.Token(); err != nil {
		return changed, err
	}
	out.WriteByte(']')
	return changed, nil
}

func writeJSONString(out *bytes.Buffer, value string) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("can't encode JSON string: %w", err)
	}
	out.Write(encoded)
	return nil
}
