package links

import (
	"context"
	"testing"

	"github.com/irdest/ratman/pkg/frame"
	"github.com/irdest/ratman/pkg/types"
)

type stubLink struct {
	name string
}

func (s stubLink) Identifier() string           { return s.name }
func (s stubLink) Status() types.LinkStatus     { return types.LinkUp }
func (s stubLink) MTU() uint16                  { return 1200 }
func (stubLink) MetricsForNeighbour(types.Neighbour) (types.NeighbourMetrics, error) {
	return types.NeighbourMetrics{}, nil
}
func (stubLink) StartPeering(context.Context, string, string) (uint32, error) { return 0, nil }
func (stubLink) Send(context.Context, frame.Envelope, types.Neighbour, *uint32) error {
	return nil
}
func (stubLink) Next(context.Context) (frame.Envelope, types.Neighbour, error) {
	return frame.Envelope{}, types.Neighbour{}, context.Canceled
}

func TestMapAddRemove(t *testing.T) {
	m := NewMap()
	a := m.Add("inet", stubLink{"a"})
	b := m.Add("lan", stubLink{"b"})
	if a == b {
		t.Fatal("duplicate link ids")
	}
	if m.Len() != 2 {
		t.Errorf("len: %d", m.Len())
	}

	r, err := m.Get(a)
	if err != nil || r.Name != "inet" {
		t.Errorf("get: %+v, %v", r, err)
	}

	// ids stay stable across removal
	m.Remove(a)
	if _, err := m.Get(a); err == nil {
		t.Error("removed link still resolvable")
	}
	if r, err := m.Get(b); err != nil || r.Name != "lan" {
		t.Errorf("surviving link: %+v, %v", r, err)
	}
	c := m.Add("lora", stubLink{"c"})
	if c == a || c == b {
		t.Error("link id reused after removal")
	}
}

func TestMapOrderingAndLookup(t *testing.T) {
	m := NewMap()
	m.Add("one", stubLink{"1"})
	m.Add("two", stubLink{"2"})
	m.Add("two", stubLink{"2b"})

	all := m.GetWithIDs()
	if len(all) != 3 {
		t.Fatalf("got %d links", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Error("links not ordered by id")
		}
	}

	r, ok := m.GetByName("two")
	if !ok || r.Link.Identifier() != "2" {
		t.Errorf("get by name returned %v, ok=%v", r.Link, ok)
	}
	if _, ok := m.GetByName("nine"); ok {
		t.Error("unknown name resolved")
	}
}
