package utils

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func StringToBoolHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}

		str := data.(string)
		switch str {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		default:
			return nil, fmt.Errorf("cannot convert %q to bool", str)
		}
	}
}

func StringToIntHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int {
			return data, nil
		}

		str := data.(string)
		var i int
		_, err := fmt.Sscanf(str, "%d", &i)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %v", str, err)
		}
		return i, nil
	}
}

// Decodes human readable sizes such as "200KB" or "1MiB" into a ByteSize.
func StringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}

		size, err := ParseSize(data.(string))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return ByteSize(size), nil
	}
}

// Custom unmarshal function to handle time.Duration, sizes and bool properly.
func UnmarshalConfig(v *viper.Viper, cfg interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		StringToByteSizeHookFunc(),
		StringToBoolHookFunc(),
		StringToIntHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       hook,
		Result:           cfg,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	return decoder.Decode(v.AllSettings())
}
