package edlerr

import (
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	wrapped := fmt.Errorf("read ack: %w", ErrTimeout)
	if got := Classify(wrapped); got != KindTimeout {
		t.Errorf("Classify(wrapped timeout) = %s, want %s", got, KindTimeout)
	}

	if got := Classify(fmt.Errorf("mystery")); got != KindUnknown {
		t.Errorf("Classify(plain error) = %s, want %s", got, KindUnknown)
	}

	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q, want empty", got)
	}
}

func TestClassifyProtectedLun(t *testing.T) {
	err := fmt.Errorf("program lun 5: %w", ErrProtectedLun)
	if got := Classify(err); got != KindProtectedLun {
		t.Errorf("Classify = %s, want %s", got, KindProtectedLun)
	}
}
