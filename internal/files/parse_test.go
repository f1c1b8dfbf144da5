package files

import (
	"errors"
	"reflect"
	"testing"

	"github.com/DNSGeek/mmbasic-link/internal/channel"
)

// feed passes lines to col until it completes, reporting whether it did.
func feed[T any](col channel.Collector[T], lines ...string) bool {
	for _, l := range lines {
		if col.Collect(l) == channel.Complete {
			return true
		}
	}
	return false
}

func TestListingParser(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		complete bool
		want     []Entry
	}{
		{
			name:     "file and directory",
			lines:    []string{"Directory: A:/", "DATA.BAS      120", "LOGS     <DIR>", "1 directory, 1 file, 2048 bytes free"},
			complete: true,
			want:     []Entry{{Name: "DATA.BAS", Size: 120}, {Name: "LOGS", IsDir: true}},
		},
		{
			name:     "empty directory",
			lines:    []string{"Volume in drive A", "0 bytes free"},
			complete: true,
			want:     []Entry{},
		},
		{
			name:     "entries before header ignored",
			lines:    []string{`> FILES "A:"`, "OLD.BAS  10", "Directory: A:/", "NEW.BAS  20", "Total 1"},
			complete: true,
			want:     []Entry{{Name: "NEW.BAS", Size: 20}},
		},
		{
			name:     "noise inside window skipped",
			lines:    []string{"Directory: A:/", "", "-----", "  X.BAS   7", "bytes free"},
			complete: true,
			want:     []Entry{{Name: "X.BAS", Size: 7}},
		},
		{
			name:     "timeout keeps partial entries",
			lines:    []string{"Directory: A:/", "A.BAS 1", "B.BAS 2"},
			complete: false,
			want:     []Entry{{Name: "A.BAS", Size: 1}, {Name: "B.BAS", Size: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &ListingParser{}
			if got := feed[[]Entry](p, tt.lines...); got != tt.complete {
				t.Errorf("complete = %v, want %v", got, tt.complete)
			}
			got, err := p.Result(!tt.complete)
			if err != nil {
				t.Fatalf("Result: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("entries = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestContentParser(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		timedOut bool
		want     string
		wantErr  error
	}{
		{
			name:  "program text",
			lines: []string{`> LIST "DATA.BAS"`, "", "PRINT 1", "PRINT 2", ">"},
			want:  "PRINT 1\nPRINT 2",
		},
		{
			name:  "prompt with spaces ends capture",
			lines: []string{"", "10 END", "  >  "},
			want:  "10 END",
		},
		{
			name:  "echo inside content ignored",
			lines: []string{"", "A", "> RUN", "B", ">"},
			want:  "A\nB",
		},
		{
			name:    "error before content",
			lines:   []string{`> LIST "NOPE.BAS"`, "Error: Could not find the file"},
			wantErr: ErrDevice,
		},
		{
			name:    "empty content",
			lines:   []string{"", ">"},
			wantErr: channel.ErrEmptyResponse,
		},
		{
			name:     "timeout with content",
			lines:    []string{"", "10 PRINT 1"},
			timedOut: true,
			want:     "10 PRINT 1",
		},
		{
			name:     "timeout without content",
			lines:    []string{`> LIST "X"`},
			timedOut: true,
			wantErr:  channel.ErrResponseTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &ContentParser{}
			if complete := feed[string](p, tt.lines...); complete == tt.timedOut {
				t.Fatalf("complete = %v with timedOut = %v", complete, tt.timedOut)
			}
			got, err := p.Result(tt.timedOut)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Result: %v", err)
			}
			if got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorWatch(t *testing.T) {
	w := &errorWatch{}
	if feed[struct{}](w, `> KILL "ErrorLog.txt"`, "") {
		t.Fatal("echo line treated as error")
	}
	if _, err := w.Result(true); err != nil {
		t.Errorf("quiet timeout = %v, want nil", err)
	}

	w = &errorWatch{}
	if !feed[struct{}](w, "Error: Could not find the file") {
		t.Fatal("error line not detected")
	}
	if _, err := w.Result(false); !errors.Is(err, ErrDevice) {
		t.Errorf("err = %v, want ErrDevice", err)
	}
}
