package sanitize

import "testing"

func TestText(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "Replace roof on 3-storey building", "Replace roof on 3-storey building"},
		{"tags", "<p>Steep <b>slate</b> roof</p>", "Steep slate roof"},
		{"encoded tags", "&lt;script&gt;alert(1)&lt;/script&gt;work at height", "alert(1)work at height"},
		{"whitespace", "  scaffold\n\n needed\tnear\r\npower lines ", "scaffold needed near power lines"},
		{"nbsp", "fall&nbsp;zone", "fall zone"},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Fatalf("%s: Text(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}
