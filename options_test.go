package raftdb

import "testing"

func TestDefaultOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	if err := opts.Validate(); err != nil {
		t.Errorf("default options failed validation: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Options {
		o := DefaultOptions()
		o.Path = "/tmp/db"
		return o
	}
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"empty path", func(o *Options) { o.Path = "" }, ErrInvalidPath},
		{"zero memtable", func(o *Options) { o.MemtableMaxSize = 0 }, ErrInvalidMemtableSize},
		{"negative block size", func(o *Options) { o.BlockSize = -1 }, ErrInvalidBlockSize},
		{"zero levels", func(o *Options) { o.MaxLevels = 0 }, ErrInvalidMaxLevels},
		{"too many levels", func(o *Options) { o.MaxLevels = 17 }, ErrInvalidMaxLevels},
		{"fp rate one", func(o *Options) { o.BloomFPRate = 1.0 }, ErrInvalidBloomFPRate},
		{"fp rate zero", func(o *Options) { o.BloomFPRate = 0 }, ErrInvalidBloomFPRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base()
			tt.mutate(o)
			if err := o.Validate(); err != tt.want {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLevelMaxBytes(t *testing.T) {
	o := DefaultOptions()
	want := []int64{1 * KiB, 10 * MiB, 100 * MiB, 1 * GiB, 10 * GiB}
	for level, bytes := range want {
		if got := o.LevelMaxBytes(level); got != bytes {
			t.Errorf("LevelMaxBytes(%d) = %d, want %d", level, got, bytes)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	o := DefaultOptions()
	o.Path = "/tmp/original"
	c := o.Clone()
	c.Path = "/tmp/copy"
	if o.Path != "/tmp/original" {
		t.Error("Clone shares state with the original")
	}
	if (*Options)(nil).Clone() == nil {
		t.Error("Clone of nil returned nil")
	}
}
