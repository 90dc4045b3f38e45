package main

import "testing"

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonFlags
		wantErr bool
	}{
		{name: "defaults", args: nil, want: daemonFlags{ConfigPath: "tracemapper_config.json", SelfID: defaultSelfID}},
		{name: "overrides", args: []string{"--config", "/etc/tracemapper.json", "--self-id", "!gw"}, want: daemonFlags{ConfigPath: "/etc/tracemapper.json", SelfID: "!gw"}},
		{name: "unexpected positional", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
	}

	for _, tc := range tests {
		got, err := parseFlags(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got nil", tc.name)
			}

			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, got)
		}
	}
}
