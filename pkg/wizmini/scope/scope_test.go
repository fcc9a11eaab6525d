package scope

import (
	"runtime"
	"testing"
)

func TestParse(t *testing.T) {
	cwd := `C:\work\project`
	if runtime.GOOS != "windows" {
		cwd = "/work/project"
	}

	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{name: "empty means current", input: "", want: CurrentDir},
		{name: "current", input: "current", want: CurrentDir},
		{name: "all", input: "all", want: AllVolumes},
		{name: "drive letter", input: "c", want: Volume},
		{name: "drive with colon", input: "D:", want: Volume},
		{name: "uppercase", input: "E", want: Volume},
		{name: "garbage", input: "not/a/scope", wantErr: true},
		{name: "relative path", input: "some/dir", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input, cwd)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.input, err)
			}
			if got.Kind != tt.want {
				t.Errorf("Parse(%q).Kind = %v, want %v", tt.input, got.Kind, tt.want)
			}
		})
	}
}

func TestParseDriveNormalizes(t *testing.T) {
	sc, err := Parse("c", `C:\`)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Drive != 'C' {
		t.Errorf("drive = %c, want C", sc.Drive)
	}
}

func TestParseEntireNeedsDrive(t *testing.T) {
	if _, err := Parse("entire", "/no/drive/here"); err == nil {
		t.Error("entire without a drive-lettered cwd must fail")
	}
	sc, err := Parse("entire", `D:\somewhere`)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Kind != Volume || sc.Drive != 'D' {
		t.Errorf("got %+v", sc)
	}
}

func TestLabelsAreDistinctAndStable(t *testing.T) {
	scopes := []Scope{
		Dir("/tmp/x"),
		DriveScope('C'),
		DriveScope('D'),
		All(),
		{Kind: Custom, Path: "/tmp/x"},
	}

	seen := map[string]bool{}
	for _, sc := range scopes {
		label := sc.Label()
		if seen[label] {
			t.Errorf("duplicate label %q", label)
		}
		seen[label] = true

		if sc.Hash() != sc.Hash() {
			t.Errorf("hash of %q not stable", label)
		}
	}

	if DriveScope('C').Hash() == DriveScope('D').Hash() {
		t.Error("different drives should hash differently")
	}
}

func TestWholeVolumes(t *testing.T) {
	if !DriveScope('C').WholeVolumes() || !All().WholeVolumes() {
		t.Error("volume scopes must report WholeVolumes")
	}
	if Dir("/tmp").WholeVolumes() {
		t.Error("directory scopes must not report WholeVolumes")
	}
}
