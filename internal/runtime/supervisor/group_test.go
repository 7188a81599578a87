package supervisor

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func recorder(name string, log *[]string, startErr, stopErr error) Component {
	return Func{
		ComponentName: name,
		OnStart: func(context.Context) error {
			*log = append(*log, "start:"+name)
			return startErr
		},
		OnStop: func(context.Context) error {
			*log = append(*log, "stop:"+name)
			return stopErr
		},
	}
}

func TestGroupStartStopOrder(t *testing.T) {
	var calls []string
	var g Group
	g.Add(recorder("store", &calls, nil, nil), recorder("listener", &calls, nil, nil), recorder("monitor", &calls, nil, nil))

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:store", "start:listener", "start:monitor", "stop:monitor", "stop:listener", "stop:store"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v", calls)
	}
}

func TestGroupStartFailureUnwindsStarted(t *testing.T) {
	var calls []string
	var g Group
	boom := errors.New("boom")
	g.Add(recorder("store", &calls, nil, nil), recorder("mqtt", &calls, boom, nil), recorder("monitor", &calls, nil, nil))

	err := g.Start(context.Background())
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "start mqtt") {
		t.Fatalf("unexpected error %v", err)
	}
	want := []string{"start:store", "start:mqtt", "stop:store"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v", calls)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("stop after failed start: %v", err)
	}
	if len(calls) != len(want) {
		t.Fatalf("stop re-ran components: %v", calls)
	}
}

func TestGroupStopJoinsErrors(t *testing.T) {
	var calls []string
	var g Group
	e1, e2 := errors.New("e1"), errors.New("e2")
	g.Add(recorder("a", &calls, nil, e1), recorder("b", &calls, nil, e2))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := g.Stop(context.Background())
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGroupAddAfterStartPanics(t *testing.T) {
	var g Group
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	g.Add(Func{ComponentName: "late"})
}
