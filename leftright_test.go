/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"sync"
	"testing"
)

func TestLeftRightSnapshot(t *testing.T) {

	type state struct{ gen int }

	var lr LeftRight[state]

	if lr.load() != nil {
		t.Fatal("fresh leftright not empty")
	}

	lr.publish(&state{gen: 1})
	s1 := lr.load()
	if s1 == nil || s1.gen != 1 {
		t.Fatal("published snapshot not visible")
	}

	lr.publish(&state{gen: 2})
	if lr.load().gen != 2 {
		t.Fatal("second snapshot not visible")
	}

	// a held reference is not affected by later publishes
	if s1.gen != 1 {
		t.Fatal("held snapshot mutated")
	}
}

func TestLeftRightUpdate(t *testing.T) {

	type state struct{ gen int }

	var lr LeftRight[state]
	lr.publish(&state{gen: 10})

	lr.update(func(cur *state) *state {
		return &state{gen: cur.gen + 1}
	})

	if lr.load().gen != 11 {
		t.Errorf("gen: got %v, want 11", lr.load().gen)
	}
}

func TestLeftRightConcurrentReaders(t *testing.T) {

	type state struct{ gen int }

	var lr LeftRight[state]
	lr.publish(&state{})

	var wg sync.WaitGroup

	for ii := 0; ii < 4; ii++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for jj := 0; jj < 10000; jj++ {
				s := lr.load()
				if s.gen < last {
					t.Error("snapshot went backwards")
					return
				}
				last = s.gen
			}
		}()
	}

	for ii := 1; ii <= 1000; ii++ {
		lr.publish(&state{gen: ii})
	}

	wg.Wait()
}
