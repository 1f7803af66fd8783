package utils

import (
	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-directory/types"
)

var jsonAPI = sonic.ConfigDefault

// Marshal encodes v without the trailing newline an encoder would add.
func Marshal(v interface{}) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func Unmarshal[T any](data []byte, target *T) error {
	return jsonAPI.Unmarshal(data, target)
}

// UnmarshalConfig converts loosely typed middleware or provider params into
// target. A value that already has the target type is copied as is.
func UnmarshalConfig[T any](params interface{}, target *T) error {
	switch v := params.(type) {
	case nil:
		return types.ErrConfigIsNil
	case *T:
		*target = *v
		return nil
	case T:
		*target = v
		return nil
	}

	data, err := jsonAPI.Marshal(params)
	if err != nil {
		return types.WrapError(err, "failed to encode params")
	}
	if err := jsonAPI.Unmarshal(data, target); err != nil {
		return types.Categorize(types.ErrInvalidParameter, err)
	}
	return nil
}
