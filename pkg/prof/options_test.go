package prof

import "testing"

func TestOptions_Empty(t *testing.T) {
	if !(Options{}).Empty() {
		t.Error("zero Options not empty")
	}
	if (Options{Heap: "heap.prof"}).Empty() {
		t.Error("Options with a heap path reported empty")
	}
}

func TestStart_StopSymmetric(t *testing.T) {
	s, err := Start(Options{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
