package safe

import (
	"sync"
	"testing"
)

func TestRunRecovers(t *testing.T) {
	if Run("noop", func() {}) != true {
		t.Fatal("Run reported failure for a clean call")
	}
	if Run("boom", func() { panic("boom") }) {
		t.Fatal("Run reported success for a panicking call")
	}
}

func TestGoRecovers(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	Go("boom", func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}

func TestMustNotNil(t *testing.T) {
	var p *int
	cases := map[string]any{"nil": nil, "typed nil": p}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			MustNotNil(v, name)
		})
	}
	MustNotNil(1, "int")
	MustNotNil(&struct{}{}, "ptr")
}
