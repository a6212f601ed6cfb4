package cpuaffinity

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{"0-3", Range{First: 0, Last: 3}, false},
		{"2 - 7", Range{First: 2, Last: 7}, false},
		{"5-5", Range{First: 5, Last: 5}, false},
		{"", Range{}, true},
		{"4", Range{}, true},
		{"a-b", Range{}, true},
		{"1-2x", Range{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCycleWraps(t *testing.T) {
	c := NewCycle(Range{First: 2, Last: 4})
	want := []uint{2, 3, 4, 2, 3}
	for i, w := range want {
		if got := c.Next(); got != w {
			t.Fatalf("cycle step %d = %d, want %d", i, got, w)
		}
	}
}
