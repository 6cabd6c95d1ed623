package bytesize

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"plain zero", "0", 0, false},
		{"plain bytes", "1024", 1024, false},
		{"bytes suffix", "512B", 512, false},

		{"decimal kilobytes", "1KB", 1000, false},
		{"decimal megabytes", "64MB", 64 * 1000 * 1000, false},
		{"decimal gigabytes", "1GB", 1000 * 1000 * 1000, false},
		{"decimal short", "64M", 64 * 1000 * 1000, false},

		{"binary kibibytes", "1Ki", 1024, false},
		{"binary mebibytes", "64MiB", 64 * 1024 * 1024, false},
		{"binary gibibytes", "1Gi", 1024 * 1024 * 1024, false},

		{"lowercase", "64mb", 64 * 1000 * 1000, false},
		{"whitespace", "  64 MB ", 64 * 1000 * 1000, false},
		{"fractional", "1.5Mi", ByteSize(1.5 * 1024 * 1024), false},

		{"empty", "", 0, true},
		{"whitespace only", "   ", 0, true},
		{"bad unit", "64XB", 0, true},
		{"negative", "-64MB", 0, true},
		{"no number", "MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   ByteSize
		want string
	}{
		{0, "0B"},
		{512, "512B"},
		{KiB, "1.00KiB"},
		{64 * MiB, "64.00MiB"},
		{GiB, "1.00GiB"},
	}

	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint64(tt.in), got, tt.want)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("64MB")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if b != 64*MB {
		t.Errorf("got %d, want %d", b, 64*MB)
	}

	if err := b.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for invalid input")
	}
}
