package serializer

import jsoniter "github.com/json-iterator/go"

// json is the default Serializer: a self-describing textual format
// (JSON), backed by json-iterator/go as a faster drop-in for
// encoding/json that keeps standard library wire compatibility.
type json struct {
	api jsoniter.API
}

// JSON returns the default Serializer.
func JSON() Serializer {
	return json{api: jsoniter.ConfigCompatibleWithStandardLibrary}
}

func (j json) Encode(value any) ([]byte, error) {
	return j.api.Marshal(value)
}

func (j json) Decode(data []byte, target any) error {
	return j.api.Unmarshal(data, target)
}
