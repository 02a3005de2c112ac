package log

import (
	"encoding/json"
	"testing"
	"time"
)

func testOptions(opts Options, t *testing.T) {
	//Check its even valid
	err := opts.Verify()
	if err != nil {
		t.Error(err)
	}

	//Check marshaling
	jstr, err := json.Marshal(opts)
	if err != nil {
		t.Error(err)
	}

	var jobj Options
	err = json.Unmarshal(jstr, &jobj)
	if err != nil {
		t.Error(err)
	}

	err = jobj.Verify()
	if err != nil {
		t.Error(err)
	}

	if !jobj.Equals(opts) {
		t.Error("unmarshalled version did not equate to original")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions

	testOptions(opts, t)
}

func TestLevel(t *testing.T) {
	opts := DefaultOptions

	opts.Level = "DUMMY"

	err := opts.Verify()
	if err == nil {
		t.Error("failed to catch bad level")
	}
}

func TestFormat(t *testing.T) {
	opts := DefaultOptions

	opts.Format = "XML"
	if err := opts.Verify(); err != ErrOptionFormat {
		t.Errorf("expected ErrOptionFormat, got %v", err)
	}

	opts.Format = FormatJSON
	if err := opts.Verify(); err != nil {
		t.Error(err)
	}
}

func TestMerge(t *testing.T) {
	tgt := DefaultOptions

	err := tgt.MergeFrom(Options{
		Level: "DEBUG",
	})
	if err != nil {
		t.Error(err)
	} else if tgt.Level != "DEBUG" {
		t.Error("expected a different level")
	}

	err = tgt.MergeFrom(Options{
		Path:      "some-path",
		BlurTimes: 5,
	})
	if err != nil {
		t.Error(err)
	} else if tgt.Path != "some-path" {
		t.Error("expected a different path")
	} else if tgt.BlurTimes != 5 {
		t.Error("expected a different blur")
	} else if tgt.Level != "DEBUG" {
		t.Error("level should have stuck")
	}
}

func TestCombine(t *testing.T) {
	_, err := CombineOptions(Options{
		Level: "BAD_LEVEL",
	})
	if err == nil {
		t.Error("expected the level to trip an error")
	}

	tgt := Options{
		Level:     "DEBUG",
		Format:    FormatJSON,
		Path:      "some-path",
		BlurTimes: 10,
	}

	opts, err := CombineOptions(tgt)
	if err != nil {
		t.Error(err)
	}

	testOptions(opts, t)
}

func TestBlurTime(t *testing.T) {
	defer func() { logBlur = DefaultOptions.BlurTimes }()

	ts := time.Date(2024, 3, 1, 10, 15, 42, 500, time.UTC)

	logBlur = 0
	if got := BlurTime(ts); !got.Equal(ts) {
		t.Errorf("expected unblurred time, got %s", got)
	}

	logBlur = 60
	if got := BlurTime(ts); !got.Equal(time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)) {
		t.Errorf("expected minute rounding, got %s", got)
	}
}
