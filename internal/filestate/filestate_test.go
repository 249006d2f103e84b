package filestate

import "testing"

func TestMarshalParseRoundTrip(t *testing.T) {
	cases := []FileState{
		{Path: "/a/b.txt", Size: 10, Checksum: "deadbeef"},
		{Path: "/weird path/with spaces.bin", Size: 0, Checksum: "abc"},
		Tombstone("/a/b.txt"),
	}

	for _, fs := range cases {
		line := Marshal(fs)
		got, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if got != fs {
			t.Errorf("round-trip mismatch: got %+v, want %+v", got, fs)
		}
	}
}

func TestTombstoneIsTombstone(t *testing.T) {
	ts := Tombstone("/p")
	if !ts.IsTombstone() {
		t.Fatal("Tombstone() did not report IsTombstone()")
	}

	live := FileState{Path: "/p", Size: 0, Checksum: "-"}
	if live.IsTombstone() {
		t.Fatal("zero-size live file with checksum \"-\" should not be a tombstone unless size is -1")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	badLines := []string{
		"",
		"10",
		"10\tabc",
		"notanumber\tabc\t/p",
		"10\tabc\t",
	}
	for _, line := range badLines {
		if _, err := Parse(line); err == nil {
			t.Errorf("Parse(%q) = nil error, want error", line)
		}
	}
}

func TestWithPath(t *testing.T) {
	fs := FileState{Path: "/old", Size: 1, Checksum: "x"}
	got := fs.WithPath("/new")
	if got.Path != "/new" || got.Size != 1 || got.Checksum != "x" {
		t.Errorf("WithPath mutated unexpected fields: %+v", got)
	}
	if fs.Path != "/old" {
		t.Errorf("WithPath mutated receiver: %+v", fs)
	}
}
