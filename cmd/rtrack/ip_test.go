package main

import "testing"

func TestParseIPLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "no flags",
			line: "192.0.2.1 - 3 - <64,*>",
			want: []string{"192.0.2.1", "3", "64,*", ""},
		},
		{
			name: "rate-limited",
			line: "192.0.2.1 - 3 - <64,*> | Might be rate-limited",
			want: []string{"192.0.2.1", "3", "64,*", "Might be rate-limited"},
		},
		{
			name: "stretched and cycling",
			line: "198.51.100.7 - 5 - <*,128> | Stretched [2 - 50%, 5 - 50%] | Cycling [4 - 100%]",
			want: []string{"198.51.100.7", "5", "*,128", "Stretched [2 - 50%, 5 - 50%]; Cycling [4 - 100%]"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseIPLine(tc.line)
			if !ok {
				t.Fatalf("parseIPLine(%q) returned ok=false", tc.line)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("parseIPLine(%q) = %v, want %v", tc.line, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("field %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParseIPLine_RejectsMalformed(t *testing.T) {
	if _, ok := parseIPLine("not a dictionary line"); ok {
		t.Error("expected ok=false for a malformed line")
	}
}
