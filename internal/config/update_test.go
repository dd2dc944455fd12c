package config

import (
	"errors"
	"testing"
)

func TestDecodeUpdate(t *testing.T) {
	seven := 7
	zero := 0
	neg := -4

	tests := []struct {
		name    string
		payload string
		want    Update
		wantErr bool
	}{
		{"interval only", `{"interval": 7}`, Update{Interval: &seven}, false},
		{"interval and persist", `{"interval":7,"persist":true}`, Update{Interval: &seven, Persist: true}, false},
		{"persist false", `{"interval":7,"persist":false}`, Update{Interval: &seven}, false},
		{"zero is decoded, clamped later", `{"interval":0}`, Update{Interval: &zero}, false},
		{"negative", `{"interval":-4}`, Update{Interval: &neg}, false},
		{"empty object", `{}`, Update{}, false},
		{"unknown keys ignored", `{"interval":7,"color":"blue"}`, Update{Interval: &seven}, false},
		{"exponent integer", `{"interval":7e0}`, Update{}, true},
		{"string interval", `{"interval":"7"}`, Update{}, true},
		{"float interval", `{"interval":7.5}`, Update{}, true},
		{"bool interval", `{"interval":true}`, Update{}, true},
		{"null interval", `{"interval":null}`, Update{}, true},
		{"string persist", `{"interval":7,"persist":"yes"}`, Update{}, true},
		{"numeric persist", `{"interval":7,"persist":1}`, Update{}, true},
		{"null persist", `{"interval":7,"persist":null}`, Update{}, true},
		{"null persist spaced", `{"interval":7, "persist" : null }`, Update{}, true},
		{"array", `[7]`, Update{}, true},
		{"bare number", `7`, Update{}, true},
		{"null", `null`, Update{}, true},
		{"not json", `interval=7`, Update{}, true},
		{"empty", ``, Update{}, true},
		{"huge", `{"interval":99999999999999999999}`, Update{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeUpdate([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidUpdate) {
					t.Fatalf("DecodeUpdate(%s) error = %v, want ErrInvalidUpdate", tt.payload, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeUpdate(%s) error: %v", tt.payload, err)
			}
			if got.Persist != tt.want.Persist {
				t.Errorf("Persist = %v, want %v", got.Persist, tt.want.Persist)
			}
			switch {
			case got.Interval == nil && tt.want.Interval == nil:
			case got.Interval == nil || tt.want.Interval == nil:
				t.Errorf("Interval = %v, want %v", got.Interval, tt.want.Interval)
			case *got.Interval != *tt.want.Interval:
				t.Errorf("Interval = %d, want %d", *got.Interval, *tt.want.Interval)
			}
		})
	}
}
