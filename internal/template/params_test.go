package template

import (
	"testing"
)

func TestParamsAccessors(t *testing.T) {
	t.Parallel()
	p := Params{
		"name":    "backup",
		"days":    float64(14), // json numbers decode as float64
		"count":   7,
		"ratio":   "2.5",
		"enabled": "true",
		"flag":    1,
		"empty":   "",
		"nilval":  nil,
	}

	if got := p.String("name", "x"); got != "backup" {
		t.Fatalf("String = %q, want backup", got)
	}
	if got := p.String("empty", "fallback"); got != "fallback" {
		t.Fatalf("String(empty) = %q, want fallback", got)
	}
	if got := p.String("missing", "def"); got != "def" {
		t.Fatalf("String(missing) = %q, want def", got)
	}
	if got := p.Int("days", 0); got != 14 {
		t.Fatalf("Int(days) = %d, want 14", got)
	}
	if got := p.Int("count", 0); got != 7 {
		t.Fatalf("Int(count) = %d, want 7", got)
	}
	if got := p.Int("name", 3); got != 3 {
		t.Fatalf("Int(non-numeric) = %d, want default 3", got)
	}
	if got := p.Float("ratio", 0); got != 2.5 {
		t.Fatalf("Float(ratio) = %v, want 2.5", got)
	}
	if !p.Bool("enabled", false) {
		t.Fatal("Bool(enabled) = false, want true")
	}
	if !p.Bool("flag", false) {
		t.Fatal("Bool(flag) = false, want true")
	}
	if got := p.Int("nilval", 9); got != 9 {
		t.Fatalf("Int(nil value) = %d, want default 9", got)
	}
}

func TestIntClamped(t *testing.T) {
	t.Parallel()
	spec := ParamSpec{Name: "days", Type: TypeNumber, Min: Ptr(1), Max: Ptr(365)}
	tests := []struct {
		name string
		val  any
		want int
	}{
		{name: "in range", val: 30, want: 30},
		{name: "below min", val: 0, want: 1},
		{name: "above max", val: 9999, want: 365},
		{name: "missing uses default", val: nil, want: 30},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p := Params{}
			if tt.val != nil {
				p[spec.Name] = tt.val
			}
			if got := p.IntClamped(spec, 30); got != tt.want {
				t.Fatalf("IntClamped = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tpl := Template{
		ID: "t",
		Params: []ParamSpec{
			{Name: "job", Type: TypeText, Required: true},
			{Name: "days", Type: TypeNumber, Min: Ptr(1), Max: Ptr(100)},
			{Name: "mode", Type: TypeEnum, Options: []string{"fast", "full"}},
			{Name: "deep", Type: TypeBoolean},
		},
	}

	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{name: "ok", params: Params{"job": "x", "days": float64(5), "mode": "fast", "deep": true}},
		{name: "missing required", params: Params{"days": float64(5)}, wantErr: true},
		{name: "number below min", params: Params{"job": "x", "days": float64(0)}, wantErr: true},
		{name: "number above max", params: Params{"job": "x", "days": float64(101)}, wantErr: true},
		{name: "not a number", params: Params{"job": "x", "days": "soon"}, wantErr: true},
		{name: "bad enum", params: Params{"job": "x", "mode": "turbo"}, wantErr: true},
		{name: "bool coercible string", params: Params{"job": "x", "deep": "true"}},
		{name: "bool wrong type", params: Params{"job": "x", "deep": []string{}}, wantErr: true},
		{name: "optional absent", params: Params{"job": "x"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tpl, tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
