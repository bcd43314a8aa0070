package errors

import (
	"errors"
	"testing"
)

func TestTranscodingError(t *testing.T) {
	err := New(ErrorTypeEncode, "encode", errors.New("exit status 1"))
	if err.Type != ErrorTypeEncode {
		t.Errorf("expected type %s, got %s", ErrorTypeEncode, err.Type)
	}
	if err.Op != "encode" {
		t.Errorf("expected op 'encode', got %s", err.Op)
	}

	err = err.WithJob("job-123").WithQuality("720p")
	if err.JobID != "job-123" {
		t.Errorf("expected job ID 'job-123', got %s", err.JobID)
	}

	errStr := err.Error()
	expected := "encode error in encode for job job-123 (720p): exit status 1"
	if errStr != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, errStr)
	}
}

func TestErrorWrapping(t *testing.T) {
	err := AnalysisError("probe", ErrCorruptInput)
	if !errors.Is(err, ErrCorruptInput) {
		t.Error("expected error to match ErrCorruptInput")
	}
	if GetType(err) != ErrorTypeAnalysis {
		t.Errorf("expected type %s, got %s", ErrorTypeAnalysis, GetType(err))
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recoverable bool
	}{
		{
			name:        "analysis error",
			err:         AnalysisError("probe", ErrCorruptInput),
			recoverable: false,
		},
		{
			name:        "encode error",
			err:         EncodeError("encode", ErrEncoderExit),
			recoverable: true,
		},
		{
			name:        "validation error",
			err:         ValidationError("validate", ErrOutputInflated),
			recoverable: true,
		},
		{
			name:        "io error",
			err:         IOError("publish", errors.New("no space left on device")),
			recoverable: true,
		},
		{
			name:        "unclassified error",
			err:         errors.New("something transient"),
			recoverable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsRecoverable(tt.err) != tt.recoverable {
				t.Errorf("expected IsRecoverable() = %v, got %v", tt.recoverable, IsRecoverable(tt.err))
			}
		})
	}
}

func TestIsHardware(t *testing.T) {
	if !IsHardware(HardwareError("encode", ErrHardwareUnavailable)) {
		t.Error("expected hardware error to be classified as hardware")
	}
	if IsHardware(EncodeError("encode", ErrEncoderExit)) {
		t.Error("expected encode error not to be classified as hardware")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeIO, "publish") != nil {
		t.Error("expected nil when wrapping nil error")
	}

	err := errors.New("disk full")
	wrapped := Wrap(err, ErrorTypeIO, "publish")
	tErr, ok := wrapped.(*TranscodingError)
	if !ok {
		t.Fatal("expected TranscodingError type")
	}
	if tErr.Type != ErrorTypeIO {
		t.Errorf("expected type %s, got %s", ErrorTypeIO, tErr.Type)
	}

	// Wrapping an already classified error preserves it
	rewrapped := Wrap(wrapped, ErrorTypeInternal, "other")
	if rewrapped != wrapped {
		t.Error("expected wrapped error to be preserved")
	}
}
