package utils

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

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

		str := strings.ToLower(strings.TrimSpace(data.(string)))
		switch str {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
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

		str := strings.TrimSpace(data.(string))
		if i, err := strconv.Atoi(str); err == nil {
			return i, nil
		}

		// Byte sizes such as "16MiB" are accepted as well.
		size, err := ParseSize(str)
		if err != nil || strings.TrimLeft(str, "0123456789 ") == str {
			return nil, fmt.Errorf("cannot convert %q to int", str)
		}
		return int(size), nil
	}
}

// Decode a settings map into cfg, which must be a pointer to a struct
// with mapstructure tags.
func DecodeConfig(settings map[string]interface{}, cfg interface{}) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringToBoolHookFunc(),
		StringToIntHookFunc(),
	)

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       hook,
		WeaklyTypedInput: false,
		Result:           cfg,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	return decoder.Decode(settings)
}

// Custom unmarshal function to handle time.Duration and bool properly.
func UnmarshalConfig(v *viper.Viper, cfg interface{}) error {
	return DecodeConfig(v.AllSettings(), cfg)
}
