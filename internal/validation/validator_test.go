package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroll/internal/apperr"
)

type sample struct {
	Start string `json:"start_time" validate:"required,clock"`
	Color string `json:"color" validate:"required,colour"`
	Count int    `json:"count" validate:"min=1,max=3"`
}

func TestStruct(t *testing.T) {
	RegisterEnum("colour", []string{"red", "blue"})

	tests := []struct {
		name       string
		in         sample
		wantFields []string
	}{
		{name: "valid", in: sample{Start: "09:00", Color: "red", Count: 2}},
		{name: "single digit hour", in: sample{Start: "9:05", Color: "blue", Count: 1}},
		{name: "bad clock", in: sample{Start: "24:00", Color: "red", Count: 1}, wantFields: []string{"start_time"}},
		{name: "bad minutes", in: sample{Start: "10:60", Color: "red", Count: 1}, wantFields: []string{"start_time"}},
		{name: "bad enum and range", in: sample{Start: "10:00", Color: "green", Count: 9}, wantFields: []string{"color", "count"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.in)
			if len(tt.wantFields) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			var got []string
			for _, f := range apperr.FieldsOf(err) {
				got = append(got, f.Field)
			}
			assert.ElementsMatch(t, tt.wantFields, got)
		})
	}
}
